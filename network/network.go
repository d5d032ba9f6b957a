// Package network implements the per-netns TNetwork object of §4.5: device
// discovery, HTB class trees, per-container leaf classes, and the NAT
// address pool. The package keeps no registry keyed by netns inode: each
// New call returns an independent Network.
//
// Grounded on vishvananda/netlink (also used by moby's libnetwork bridge
// driver in the pack) for all rtnetlink operations, issued through
// package nl.
package network

import (
	"strings"
	"sync"

	"github.com/yandex/porto/internal/idalloc"
	"github.com/yandex/porto/nl"
)

// Device is one managed network interface inside a netns (§3).
type Device struct {
	Name        string
	Index       int
	MTU         int
	SpeedMbit   uint64
	Managed     bool
	QueueReady  bool // HTB class tree installed
}

// Config configures rate/ceil resolution and unmanaged-device filtering
// (§4.5).
type Config struct {
	UnmanagedDevices []string
	UnmanagedGroups  []string
	VethPrefix       string // veth pairs created by this daemon, excluded by prefix match
	DeviceRateBps    map[string]uint64
	DeviceCeilBps    map[string]uint64
	DefaultLeafLimit int
}

// Network is one TNetwork instance for a distinct netns.
type Network struct {
	mu      sync.Mutex
	handle  *nl.Handle
	cfg     Config
	devices map[string]*Device // by name
	managed bool                // "we own this netns"
	natPool *idalloc.Map
	natV4Base [4]byte
}

// New returns a Network bound to the netlink handle h; it opens no handle
// itself. The caller opens h inside the target namespace, matching the
// source's one-netlink-socket-per-namespace design.
func New(h *nl.Handle, cfg Config, managed bool) *Network {
	return &Network{
		handle:  h,
		cfg:     cfg,
		devices: map[string]*Device{},
		managed: managed,
		natPool: idalloc.New(65536),
	}
}

// Managed reports whether this daemon owns the netns backing this Network.
func (n *Network) Managed() bool { return n.managed }

// RefreshDevices enumerates links, excludes loopback and this daemon's own
// veth pairs, honors UnmanagedDevices (UnmanagedGroups is not consulted),
// and returns the set of newly
// discovered managed devices whose HTB tree still needs setup (§4.5).
func (n *Network) RefreshDevices() ([]*Device, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	links, err := n.handle.Links()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var needsSetup []*Device
	for _, l := range links {
		attrs := l.Attrs()
		name := attrs.Name
		if name == "lo" {
			continue
		}
		if n.cfg.VethPrefix != "" && strings.HasPrefix(name, n.cfg.VethPrefix) {
			continue
		}
		if contains(n.cfg.UnmanagedDevices, name) {
			continue
		}
		seen[name] = true
		dev, existed := n.devices[name]
		if !existed {
			dev = &Device{Name: name, Managed: true}
			n.devices[name] = dev
		}
		dev.Index = attrs.Index
		dev.MTU = attrs.MTU
		dev.SpeedMbit = readDeviceSpeed(name)
		if !dev.QueueReady {
			needsSetup = append(needsSetup, dev)
		}
	}
	for name := range n.devices {
		if !seen[name] {
			delete(n.devices, name)
		}
	}
	return needsSetup, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Devices returns a snapshot of the currently tracked devices.
func (n *Network) Devices() []*Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Device, 0, len(n.devices))
	for _, d := range n.devices {
		out = append(out, d)
	}
	return out
}

// rateCeilFor resolves a device's rate/ceil by longest-prefix match against
// the configured maps, falling back to 90% of line speed / line speed
// (§4.5 step 4).
func (n *Network) rateCeilFor(dev *Device) (rateBps, ceilBps uint64) {
	lineBps := dev.SpeedMbit * 1000 * 1000 / 8
	rateBps, ceilBps = lineBps*9/10, lineBps
	bestLen := -1
	for prefix, v := range n.cfg.DeviceRateBps {
		if strings.HasPrefix(dev.Name, prefix) && len(prefix) > bestLen {
			rateBps, bestLen = v, len(prefix)
		}
	}
	bestLen = -1
	for prefix, v := range n.cfg.DeviceCeilBps {
		if strings.HasPrefix(dev.Name, prefix) && len(prefix) > bestLen {
			ceilBps, bestLen = v, len(prefix)
		}
	}
	return rateBps, ceilBps
}

func readDeviceSpeed(name string) uint64 {
	// /sys/class/net/<name>/speed; unreadable (virtual device, link down)
	// defaults to 1000 the way the source falls back for devices that
	// don't report a speed.
	speed, err := readSysSpeed(name)
	if err != nil || speed <= 0 {
		return 1000
	}
	return uint64(speed)
}
