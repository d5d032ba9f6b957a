package nl

import "github.com/vishvananda/netlink"

// HTB handle-id constants (§4.5, §9 supplemented from original_source/src/qdisc.cpp).
const (
	HTBRootHandleMajor    = 1
	HTBDefaultClassMinor  = 2 // traffic not matched by the cgroup classifier
	HTBPortoRootClassMinor = 3 // the porto-root's own class
)

// NewHTBQdisc builds the root HTB qdisc for a device: handle 1:0, default
// class 1:2 (§4.5 SetupQueue step 1).
func NewHTBQdisc(linkIndex int) *netlink.Htb {
	return &netlink.Htb{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: linkIndex,
			Handle:    netlink.MakeHandle(HTBRootHandleMajor, 0),
			Parent:    netlink.HANDLE_ROOT,
		},
		Defcls: HTBDefaultClassMinor,
	}
}

// NewCgroupFilter builds the cgroup classifier filter attached to 1:0
// (§4.5 SetupQueue step 2).
func NewCgroupFilter(linkIndex int) *netlink.Cgroup {
	return &netlink.Cgroup{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: linkIndex,
			Parent:    netlink.MakeHandle(HTBRootHandleMajor, 0),
			Priority:  1,
			Protocol:  unixETHPAll,
		},
	}
}

// unixETHPAll mirrors ETH_P_ALL (0x0003) in host byte order (the netlink
// library converts it), the protocol value tc uses for catch-all
// classifiers.
const unixETHPAll = 0x0003

// NewHTBClass builds an HTB class with the given handle, parent, rate and
// ceiling (bytes/sec), as used for the root class (1:1), the default leaf
// (1:2), the porto-root leaf (1:3), and every per-container leaf (§4.5).
func NewHTBClass(linkIndex int, parent, handle uint32, rateBps, ceilBps uint64) *netlink.HtbClass {
	return &netlink.HtbClass{
		ClassAttrs: netlink.ClassAttrs{
			LinkIndex: linkIndex,
			Parent:    parent,
			Handle:    handle,
		},
		Rate:    rateBps,
		Ceil:    ceilBps,
		Buffer:  0,
		Cbuffer: 0,
	}
}

// Handle builds a tc-style major:minor handle.
func Handle(major, minor uint16) uint32 { return netlink.MakeHandle(major, minor) }

// NewLeafQdisc builds the pfifo qdisc installed below a container's leaf
// HTB class (§4.5: "leaf classes get a container-qdisc pending packets
// below them, e.g. pfifo with configured limit").
func NewLeafQdisc(linkIndex int, parentHandle uint32, limit int) *netlink.Pfifo {
	return &netlink.Pfifo{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: linkIndex,
			Handle:    netlink.MakeHandle(1, 0),
			Parent:    parentHandle,
		},
		Limit: limit,
	}
}
