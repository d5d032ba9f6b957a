package cgroup

import "strconv"

// NetCls wraps the net_cls controller cgroup for one container. Besides
// attach, it exposes SetClassID, the only writer of net_cls.classid in
// this module; package network does not write the knob, and nothing in
// the module calls SetClassID.
type NetCls struct{ *Cgroup }

// NewNetCls returns a NetCls controller handle rooted at m for name.
func NewNetCls(m *Mount, name string) *NetCls { return &NetCls{New(m, name)} }

// SetClassID writes net_cls.classid as a single 32-bit value combining the
// HTB major:minor the network manager assigned to this container
// (major<<16 | minor), matching the classifier filter network/htb.go
// installs.
func (n *NetCls) SetClassID(major, minor uint16) error {
	v := uint32(major)<<16 | uint32(minor)
	return n.WriteKnob("net_cls.classid", strconv.FormatUint(uint64(v), 10))
}
