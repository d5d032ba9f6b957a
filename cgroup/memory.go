package cgroup

import (
	"fmt"
	"strconv"
	"strings"
)

// Memory wraps the memory controller cgroup for one container (§4.1).
type Memory struct{ *Cgroup }

// NewMemory returns a Memory controller handle rooted at m for name.
func NewMemory(m *Mount, name string) *Memory { return &Memory{New(m, name)} }

// Usage returns memory.usage_in_bytes.
func (c *Memory) Usage() (uint64, error) {
	return c.readUint("memory.usage_in_bytes")
}

// SetLimit writes memory.limit_in_bytes and, if the memsw knob exists,
// propagates the same value to it (§4.1: "also propagates to memsw if that
// knob exists").
func (c *Memory) SetLimit(bytes uint64) error {
	if err := c.WriteKnob("memory.limit_in_bytes", strconv.FormatUint(bytes, 10)); err != nil {
		return err
	}
	if c.HasKnob("memory.memsw.limit_in_bytes") {
		if err := c.WriteKnob("memory.memsw.limit_in_bytes", strconv.FormatUint(bytes, 10)); err != nil {
			return fmt.Errorf("cgroup: memsw limit: %w", err)
		}
	}
	return nil
}

// SetSoftLimit writes memory.soft_limit_in_bytes.
func (c *Memory) SetSoftLimit(bytes uint64) error {
	return c.WriteKnob("memory.soft_limit_in_bytes", strconv.FormatUint(bytes, 10))
}

// SetGuarantee writes the low_limit knob if the controller exposes one;
// otherwise it is a no-op (§4.1: "writes a low_limit knob if present;
// otherwise a no-op").
func (c *Memory) SetGuarantee(bytes uint64) error {
	if !c.HasKnob("memory.low_limit_in_bytes") {
		return nil
	}
	return c.WriteKnob("memory.low_limit_in_bytes", strconv.FormatUint(bytes, 10))
}

// SetRechargeOnPgfault toggles memory.recharge_on_pgfault when present.
func (c *Memory) SetRechargeOnPgfault(enable bool) error {
	if !c.HasKnob("memory.recharge_on_pgfault") {
		return nil
	}
	v := "0"
	if enable {
		v = "1"
	}
	return c.WriteKnob("memory.recharge_on_pgfault", v)
}

// OomKilled reports whether the OOM killer has fired for this cgroup,
// read from memory.oom_control (§4.3 Dead handling: oom_killed). Checks
// the "oom_kill" counter some kernels add to the knob first, falling back
// to "under_oom" for kernels without it.
func (c *Memory) OomKilled() (bool, error) {
	if !c.HasKnob("memory.oom_control") {
		return false, nil
	}
	lines, err := c.ReadKnobLines("memory.oom_control")
	if err != nil {
		return false, err
	}
	underOom := false
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "oom_kill":
			if n, err := strconv.ParseUint(fields[1], 10, 64); err == nil && n > 0 {
				return true, nil
			}
		case "under_oom":
			underOom = fields[1] == "1"
		}
	}
	return underOom, nil
}

// Statistics parses memory.stat into a name->value map.
func (c *Memory) Statistics() (map[string]uint64, error) {
	lines, err := c.ReadKnobLines("memory.stat")
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = v
	}
	return out, nil
}

func (c *Memory) readUint(knob string) (uint64, error) {
	s, err := c.ReadKnob(knob)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cgroup: parse %s: %w", knob, err)
	}
	return v, nil
}
