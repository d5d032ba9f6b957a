// Package nl provides typed operations over rtnetlink used by the network
// manager: links, addresses, qdiscs, classes, filters, neighbours (§6,
// §4.5). It wraps github.com/vishvananda/netlink, the netlink library the
// teacher and the rest of the example pack use for the same concerns
// (libnetwork's bridge driver, moby's networkdriver/bridge).
package nl

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// Handle is a thin wrapper around a netlink.Handle bound to one network
// namespace, giving the network manager a single-threaded access point
// (§5: "the netlink socket, single-threaded access under the network
// lock").
type Handle struct {
	h *netlink.Handle
}

// NewHandle opens a netlink socket in the current namespace.
func NewHandle() (*Handle, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("nl: new handle: %w", err)
	}
	return &Handle{h: h}, nil
}

// Close releases the underlying netlink socket.
func (h *Handle) Close() { h.h.Delete() }

// Links enumerates all links visible in this namespace.
func (h *Handle) Links() ([]netlink.Link, error) {
	links, err := h.h.LinkList()
	if err != nil {
		return nil, fmt.Errorf("nl: link list: %w", err)
	}
	return links, nil
}

// LinkByName resolves a single link by name.
func (h *Handle) LinkByName(name string) (netlink.Link, error) {
	l, err := h.h.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("nl: link by name %s: %w", name, err)
	}
	return l, nil
}

// LinkSetUp brings a link administratively up.
func (h *Handle) LinkSetUp(link netlink.Link) error {
	if err := h.h.LinkSetUp(link); err != nil {
		return fmt.Errorf("nl: link set up %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// LinkSetDown brings a link administratively down.
func (h *Handle) LinkSetDown(link netlink.Link) error {
	if err := h.h.LinkSetDown(link); err != nil {
		return fmt.Errorf("nl: link set down %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// LinkSetMTU sets a link's MTU.
func (h *Handle) LinkSetMTU(link netlink.Link, mtu int) error {
	if err := h.h.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("nl: link set mtu %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// LinkSetNsFd moves a link into another namespace identified by an open fd.
func (h *Handle) LinkSetNsFd(link netlink.Link, fd int) error {
	if err := h.h.LinkSetNsFd(link, fd); err != nil {
		return fmt.Errorf("nl: link set ns fd %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// AddrAdd adds an address to a link.
func (h *Handle) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	if err := h.h.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("nl: addr add %s: %w", addr, err)
	}
	return nil
}

// AddrDel removes an address from a link.
func (h *Handle) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	if err := h.h.AddrDel(link, addr); err != nil {
		return fmt.Errorf("nl: addr del %s: %w", addr, err)
	}
	return nil
}

// AddrList lists addresses on a link.
func (h *Handle) AddrList(link netlink.Link) ([]netlink.Addr, error) {
	addrs, err := h.h.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("nl: addr list %s: %w", link.Attrs().Name, err)
	}
	return addrs, nil
}

// QdiscReplace installs or replaces a qdisc.
func (h *Handle) QdiscReplace(qdisc netlink.Qdisc) error {
	if err := h.h.QdiscReplace(qdisc); err != nil {
		return fmt.Errorf("nl: qdisc replace: %w", err)
	}
	return nil
}

// QdiscDel removes a qdisc.
func (h *Handle) QdiscDel(qdisc netlink.Qdisc) error {
	if err := h.h.QdiscDel(qdisc); err != nil {
		return fmt.Errorf("nl: qdisc del: %w", err)
	}
	return nil
}

// QdiscList lists qdiscs on a link.
func (h *Handle) QdiscList(link netlink.Link) ([]netlink.Qdisc, error) {
	qs, err := h.h.QdiscList(link)
	if err != nil {
		return nil, fmt.Errorf("nl: qdisc list %s: %w", link.Attrs().Name, err)
	}
	return qs, nil
}

// ClassAdd adds an HTB (or other) class.
func (h *Handle) ClassAdd(class netlink.Class) error {
	if err := h.h.ClassAdd(class); err != nil {
		return fmt.Errorf("nl: class add: %w", err)
	}
	return nil
}

// ClassDel removes a class.
func (h *Handle) ClassDel(class netlink.Class) error {
	if err := h.h.ClassDel(class); err != nil {
		return fmt.Errorf("nl: class del: %w", err)
	}
	return nil
}

// ClassList lists classes on a link.
func (h *Handle) ClassList(link netlink.Link) ([]netlink.Class, error) {
	cs, err := h.h.ClassList(link, netlink.MakeHandle(1, 0))
	if err != nil {
		return nil, fmt.Errorf("nl: class list %s: %w", link.Attrs().Name, err)
	}
	return cs, nil
}

// FilterAdd adds a filter (used for the cgroup classifier, §4.5).
func (h *Handle) FilterAdd(filter netlink.Filter) error {
	if err := h.h.FilterAdd(filter); err != nil {
		return fmt.Errorf("nl: filter add: %w", err)
	}
	return nil
}

// FilterDel removes a filter.
func (h *Handle) FilterDel(filter netlink.Filter) error {
	if err := h.h.FilterDel(filter); err != nil {
		return fmt.Errorf("nl: filter del: %w", err)
	}
	return nil
}

// NeighAdd adds a proxy neighbour entry.
func (h *Handle) NeighAdd(neigh *netlink.Neigh) error {
	if err := h.h.NeighAdd(neigh); err != nil {
		return fmt.Errorf("nl: neigh add: %w", err)
	}
	return nil
}

// NeighDel removes a proxy neighbour entry.
func (h *Handle) NeighDel(neigh *netlink.Neigh) error {
	if err := h.h.NeighDel(neigh); err != nil {
		return fmt.Errorf("nl: neigh del: %w", err)
	}
	return nil
}
