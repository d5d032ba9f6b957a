package network

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/yandex/porto/nl"
)

// StatKind selects which rtnl class statistic GetTrafficStat reports
// (§4.5).
type StatKind int

const (
	StatBytes StatKind = iota
	StatPackets
	StatDrops
	StatOverlimits
)

// GetTrafficStat maps kind to an rtnl stat id, reads the container's class
// on link (one device per call; other devices are not read), and for HFSC
// classes sums child classes recursively, because HFSC stats are
// non-hierarchical (§4.5).
func GetTrafficStat(h *nl.Handle, link netlink.Link, classID uint16, kind StatKind) (uint64, error) {
	classes, err := h.ClassList(link)
	if err != nil {
		return 0, fmt.Errorf("network: class list: %w", err)
	}
	handle := nl.Handle(nl.HTBRootHandleMajor, classID)
	total := sumClassStat(classes, handle, kind)
	return total, nil
}

func sumClassStat(classes []netlink.Class, handle uint32, kind StatKind) uint64 {
	var total uint64
	for _, c := range classes {
		attrs := classAttrsOf(c)
		if attrs == nil || attrs.Handle != handle {
			continue
		}
		total += statValue(c, kind)
		// HFSC classes are non-hierarchical: parent stats don't include
		// children, so add every descendant's stats too. HTB parent stats
		// already include their children.
		if _, isHfsc := c.(*netlink.HfscClass); !isHfsc {
			continue
		}
		for _, child := range classes {
			ca := classAttrsOf(child)
			if ca != nil && ca.Parent == handle && ca.Handle != handle {
				total += sumClassStat(classes, ca.Handle, kind)
			}
		}
	}
	return total
}

func classAttrsOf(c netlink.Class) *netlink.ClassAttrs {
	switch v := c.(type) {
	case *netlink.HtbClass:
		return &v.ClassAttrs
	case *netlink.HfscClass:
		return &v.ClassAttrs
	default:
		return nil
	}
}

func statValue(c netlink.Class, kind StatKind) uint64 {
	attrs := classAttrsOf(c)
	if attrs == nil || attrs.Statistics == nil {
		return 0
	}
	switch kind {
	case StatBytes:
		return attrs.Statistics.Basic.Bytes
	case StatPackets:
		return uint64(attrs.Statistics.Basic.Packets)
	case StatDrops:
		return uint64(attrs.Statistics.Queue.Drops)
	case StatOverlimits:
		return uint64(attrs.Statistics.Queue.Overlimits)
	default:
		return 0
	}
}
