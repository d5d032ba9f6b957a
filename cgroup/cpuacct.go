package cgroup

import (
	"fmt"
	"strconv"
)

// Cpuacct wraps the cpuacct controller cgroup for one container (§4.1).
type Cpuacct struct{ *Cgroup }

// NewCpuacct returns a Cpuacct controller handle rooted at m for name.
func NewCpuacct(m *Mount, name string) *Cpuacct { return &Cpuacct{New(m, name)} }

// Usage returns cpuacct.usage in nanoseconds.
func (c *Cpuacct) Usage() (uint64, error) {
	s, err := c.ReadKnob("cpuacct.usage")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cgroup: parse cpuacct.usage: %w", err)
	}
	return v, nil
}
