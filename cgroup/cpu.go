package cgroup

import (
	"fmt"
	"strconv"

	"github.com/yandex/porto/internal/perr"
)

// CpuPolicy selects the cpu controller scheduling class (§4.1).
type CpuPolicy string

const (
	PolicyNormal CpuPolicy = "normal"
	PolicyRT     CpuPolicy = "rt"
	PolicyIdle   CpuPolicy = "idle"
)

const defaultCfsPeriodUs = 100000

// Cpu wraps the cpu controller cgroup for one container (§4.1).
type Cpu struct {
	*Cgroup
	PeriodUs uint64
}

// NewCpu returns a Cpu controller handle rooted at m for name, using the
// configured CFS period (defaulting to 100ms).
func NewCpu(m *Mount, name string, periodUs uint64) *Cpu {
	if periodUs == 0 {
		periodUs = defaultCfsPeriodUs
	}
	return &Cpu{Cgroup: New(m, name), PeriodUs: periodUs}
}

// SetPolicy applies a scheduling policy. idle is always rejected (Open
// Question (a) resolved: source rejects it, kept as-is per §9a). rt is
// rejected when the controller has no rt extension knob (§4.1).
func (c *Cpu) SetPolicy(p CpuPolicy) error {
	switch p {
	case PolicyNormal:
		return c.WriteKnob("cpu.rt_runtime_us", "0")
	case PolicyRT:
		if !c.HasKnob("cpu.rt_runtime_us") {
			return perr.New(perr.NotSupported, "cpu: rt policy requires cpu.rt_runtime_us, not present on this kernel")
		}
		return c.WriteKnob("cpu.rt_runtime_us", strconv.FormatUint(c.PeriodUs, 10))
	case PolicyIdle:
		return perr.New(perr.NotSupported, "cpu: idle policy is not supported")
	default:
		return perr.New(perr.InvalidValue, "cpu: unknown policy %q", p)
	}
}

// SetLimit translates a percentage (100 = one full core) into CFS quota
// over the configured period (§4.1).
func (c *Cpu) SetLimit(percent float64) error {
	if percent <= 0 {
		return c.WriteKnob("cpu.cfs_quota_us", "-1")
	}
	quota := int64(float64(c.PeriodUs) * percent / 100.0)
	if err := c.WriteKnob("cpu.cfs_period_us", strconv.FormatUint(c.PeriodUs, 10)); err != nil {
		return err
	}
	return c.WriteKnob("cpu.cfs_quota_us", strconv.FormatInt(quota, 10))
}

// SetGuarantee scales cpu.shares relative to the root cgroup's shares,
// where percent is relative to one full host core set (§4.1).
func (c *Cpu) SetGuarantee(percent float64, rootShares uint64) error {
	if rootShares == 0 {
		rootShares = 1024
	}
	shares := uint64(float64(rootShares) * percent / 100.0)
	if shares < 2 {
		shares = 2
	}
	return c.WriteKnob("cpu.shares", fmt.Sprintf("%d", shares))
}
