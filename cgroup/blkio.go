package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BlkioPolicy selects the blkio controller weight class (§4.1).
type BlkioPolicy string

const (
	BlkioBatch  BlkioPolicy = "batch"
	BlkioNormal BlkioPolicy = "normal"
)

const (
	blkioBatchWeight  = 10
	blkioNormalWeight = 500
)

// Blkio wraps the blkio controller cgroup for one container (§4.1).
type Blkio struct{ *Cgroup }

// NewBlkio returns a Blkio controller handle rooted at m for name.
func NewBlkio(m *Mount, name string) *Blkio { return &Blkio{New(m, name)} }

// DeviceStat holds per-device Read/Write/Sync/Async counters, as parsed
// from a blkio.*_device knob.
type DeviceStat struct {
	Device           string
	Read, Write      uint64
	Sync, Async      uint64
	Total            uint64
}

// Statistics parses a blkio per-device-and-op knob (e.g.
// blkio.throttle.io_service_bytes), resolving major:minor to a device name
// via /sys/dev/block (§4.1).
func (b *Blkio) Statistics(knob string) (map[string]*DeviceStat, error) {
	lines, err := b.ReadKnobLines(knob)
	if err != nil {
		return nil, err
	}
	out := map[string]*DeviceStat{}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		devID, op, rawVal := fields[0], fields[1], fields[2]
		val, err := strconv.ParseUint(rawVal, 10, 64)
		if err != nil {
			continue
		}
		name := resolveBlockDevice(devID)
		ds, ok := out[name]
		if !ok {
			ds = &DeviceStat{Device: name}
			out[name] = ds
		}
		switch op {
		case "Read":
			ds.Read = val
		case "Write":
			ds.Write = val
		case "Sync":
			ds.Sync = val
		case "Async":
			ds.Async = val
		case "Total":
			ds.Total = val
		}
	}
	return out, nil
}

func resolveBlockDevice(majMin string) string {
	link := filepath.Join("/sys/dev/block", majMin)
	target, err := os.Readlink(link)
	if err != nil {
		return majMin
	}
	return filepath.Base(target)
}

// SetPolicy toggles blkio.weight between the batch and normal classes.
func (b *Blkio) SetPolicy(p BlkioPolicy) error {
	w := blkioNormalWeight
	if p == BlkioBatch {
		w = blkioBatchWeight
	}
	if !b.HasKnob("blkio.weight") {
		return fmt.Errorf("cgroup: blkio.weight not present on this kernel")
	}
	return b.WriteKnob("blkio.weight", strconv.Itoa(w))
}
