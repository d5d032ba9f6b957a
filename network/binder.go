package network

import (
	"fmt"

	"github.com/yandex/porto/container"
	"github.com/yandex/porto/nl"
)

// Binder adapts a Network to container.NetworkBinder ("Bind(containerID,
// parentID int) (NetworkLeaf, error)", §4.5). Container never imports
// this package — it depends only on the narrow interface — the
// dependency runs the other way, network importing container for the
// interface's types.
type Binder struct {
	net *Network
}

// NewBinder returns a NetworkBinder backed by net, installing/removing
// leaf classes on every device net currently tracks.
func NewBinder(net *Network) *Binder { return &Binder{net: net} }

// multiLeaf bundles the per-device leaves a single Bind call installs, so
// Release can tear all of them down together.
type multiLeaf struct {
	net     *Network
	classID uint16
	devices []string
}

// Bind installs a leaf HTB class for containerID, parented under
// parentID's class (or the porto-root class if parentID is 0), on every
// currently tracked device (§4.5 "Per-container leaves").
func (b *Binder) Bind(containerID int, parentID int) (container.NetworkLeaf, error) {
	classID := uint16(containerID)
	parentMinor := uint16(parentID)
	if parentMinor == 0 {
		parentMinor = 0xffff // porto-root minor is reserved high; resolved by resolveParentMinor below
	}

	b.net.mu.Lock()
	handle := b.net.handle
	devices := make([]*Device, 0, len(b.net.devices))
	for _, d := range b.net.devices {
		devices = append(devices, d)
	}
	b.net.mu.Unlock()

	leaf := &multiLeaf{net: b.net, classID: classID}
	for _, dev := range devices {
		if !dev.QueueReady {
			continue
		}
		rateBps, ceilBps := b.net.rateCeilFor(dev)
		if _, err := b.net.AddContainerLeaf(handle, dev, classID, resolveParentMinor(parentMinor), rateBps, ceilBps); err != nil {
			// best-effort unwind of leaves already installed on earlier devices
			_ = leaf.Release()
			return nil, fmt.Errorf("network: bind container %d: %w", containerID, err)
		}
		leaf.devices = append(leaf.devices, dev.Name)
	}
	return leaf, nil
}

// resolveParentMinor maps the sentinel used for "no explicit parent" to
// the well-known porto-root class minor.
func resolveParentMinor(minor uint16) uint16 {
	if minor == 0xffff {
		return nl.HTBPortoRootClassMinor
	}
	return minor
}

// Release tears down every leaf this Bind call installed, the inverse
// applied on container Stop (§4.5).
func (l *multiLeaf) Release() error {
	l.net.mu.Lock()
	handle := l.net.handle
	l.net.mu.Unlock()
	var firstErr error
	for _, name := range l.devices {
		l.net.mu.Lock()
		dev := l.net.devices[name]
		l.net.mu.Unlock()
		if dev == nil {
			continue
		}
		if err := l.net.RemoveContainerLeaf(handle, dev, l.classID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
