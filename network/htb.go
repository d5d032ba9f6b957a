package network

import (
	"fmt"

	"github.com/yandex/porto/nl"
)

// Leaf is the per-container HTB class + pending-packet qdisc on one device
// (§3: "leaf HTB class handle", §4.5: "per-container leaves").
type Leaf struct {
	Device     string
	ClassID    uint16 // minor, e.g. the container's id
	ParentID   uint16 // the parent container's class minor, or porto-root's
}

// SetupQueue installs the HTB root qdisc, the cgroup classifier, and the
// root/default/porto-root classes on a newly-discovered managed device
// (§4.5 steps 1-3).
func (n *Network) SetupQueue(h *nl.Handle, dev *Device) error {
	n.mu.Lock()
	rateBps, ceilBps := n.rateCeilFor(dev)
	limit := n.cfg.DefaultLeafLimit
	n.mu.Unlock()

	if err := h.QdiscReplace(nl.NewHTBQdisc(dev.Index)); err != nil {
		return fmt.Errorf("network: setup queue %s: %w", dev.Name, err)
	}

	if err := h.FilterAdd(nl.NewCgroupFilter(dev.Index)); err != nil {
		return fmt.Errorf("network: install classifier on %s: %w", dev.Name, err)
	}

	rootHandle := nl.Handle(nl.HTBRootHandleMajor, 1)
	qdiscHandle := nl.Handle(nl.HTBRootHandleMajor, 0)
	if err := h.ClassAdd(nl.NewHTBClass(dev.Index, qdiscHandle, rootHandle, ceilBps, ceilBps)); err != nil {
		return fmt.Errorf("network: root class on %s: %w", dev.Name, err)
	}
	defHandle := nl.Handle(nl.HTBRootHandleMajor, nl.HTBDefaultClassMinor)
	if err := h.ClassAdd(nl.NewHTBClass(dev.Index, rootHandle, defHandle, rateBps, ceilBps)); err != nil {
		return fmt.Errorf("network: default class on %s: %w", dev.Name, err)
	}
	portoHandle := nl.Handle(nl.HTBRootHandleMajor, nl.HTBPortoRootClassMinor)
	if err := h.ClassAdd(nl.NewHTBClass(dev.Index, rootHandle, portoHandle, rateBps, ceilBps)); err != nil {
		return fmt.Errorf("network: porto-root class on %s: %w", dev.Name, err)
	}
	if err := h.QdiscReplace(nl.NewLeafQdisc(dev.Index, portoHandle, limit)); err != nil {
		return fmt.Errorf("network: porto-root leaf qdisc on %s: %w", dev.Name, err)
	}

	n.mu.Lock()
	dev.QueueReady = true
	n.mu.Unlock()
	return nil
}

// AddContainerLeaf creates the per-container HTB class + pfifo leaf qdisc
// for a Running container on dev, parented under parentClassMinor (the
// parent container's class, or the porto-root's minor for top-level
// containers) (§4.5 "Per-container leaves").
func (n *Network) AddContainerLeaf(h *nl.Handle, dev *Device, containerID uint16, parentClassMinor uint16, rateBps, ceilBps uint64) (*Leaf, error) {
	parent := nl.Handle(nl.HTBRootHandleMajor, parentClassMinor)
	handle := nl.Handle(nl.HTBRootHandleMajor, containerID)
	if err := h.ClassAdd(nl.NewHTBClass(dev.Index, parent, handle, rateBps, ceilBps)); err != nil {
		return nil, fmt.Errorf("network: leaf class for container %d on %s: %w", containerID, dev.Name, err)
	}
	n.mu.Lock()
	limit := n.cfg.DefaultLeafLimit
	n.mu.Unlock()
	if err := h.QdiscReplace(nl.NewLeafQdisc(dev.Index, handle, limit)); err != nil {
		return nil, fmt.Errorf("network: leaf qdisc for container %d on %s: %w", containerID, dev.Name, err)
	}
	return &Leaf{Device: dev.Name, ClassID: containerID, ParentID: parentClassMinor}, nil
}

// RemoveContainerLeaf deletes the qdisc then the class, the reverse of
// AddContainerLeaf, on container Stop (§3, §4.5).
func (n *Network) RemoveContainerLeaf(h *nl.Handle, dev *Device, containerID uint16) error {
	handle := nl.Handle(nl.HTBRootHandleMajor, containerID)
	_ = h.QdiscDel(nl.NewLeafQdisc(dev.Index, handle, 0))
	if err := h.ClassDel(nl.NewHTBClass(dev.Index, 0, handle, 0, 0)); err != nil {
		return fmt.Errorf("network: remove leaf class for container %d on %s: %w", containerID, dev.Name, err)
	}
	return nil
}

// RefreshClasses re-enumerates devices and, if new managed devices
// appeared or force is set, reissues class definitions for every
// Running/Meta container in this network on every device (§4.5).
func (n *Network) RefreshClasses(h *nl.Handle, force bool, containers func() []ContainerClassSpec) error {
	needsSetup, err := n.RefreshDevices()
	if err != nil {
		return err
	}
	for _, dev := range needsSetup {
		if err := n.SetupQueue(h, dev); err != nil {
			return err
		}
	}
	if len(needsSetup) == 0 && !force {
		return nil
	}
	for _, dev := range n.Devices() {
		for _, c := range containers() {
			if _, err := n.AddContainerLeaf(h, dev, c.ID, c.ParentMinor, c.RateBps, c.CeilBps); err != nil {
				return err
			}
		}
	}
	return nil
}

// ContainerClassSpec is the minimal view the network manager needs of a
// Running/Meta container to (re)install its leaf class.
type ContainerClassSpec struct {
	ID          uint16
	ParentMinor uint16
	RateBps     uint64
	CeilBps     uint64
}

