package cgroup

import "fmt"

// Set bundles all participating controllers for one container, resolved
// against a Registry. A container's Set only contains the controllers that
// exist on this host (§4.1 Mount discovery finds what's actually mounted).
type Set struct {
	Memory  *Memory
	Freezer *Freezer
	Cpu     *Cpu
	Cpuacct *Cpuacct
	Blkio   *Blkio
	Devices *Devices
	NetCls  *NetCls
}

// NewSet builds the full controller Set for a container name against reg.
func NewSet(reg *Registry, name string, cfsPeriodUs uint64) *Set {
	s := &Set{}
	if m := reg.Mount("memory"); m != nil {
		s.Memory = NewMemory(m, name)
	}
	if m := reg.Mount("freezer"); m != nil {
		s.Freezer = NewFreezer(m, name)
	}
	if m := reg.Mount("cpu"); m != nil {
		s.Cpu = NewCpu(m, name, cfsPeriodUs)
	}
	if m := reg.Mount("cpuacct"); m != nil {
		s.Cpuacct = NewCpuacct(m, name)
	}
	if m := reg.Mount("blkio"); m != nil {
		s.Blkio = NewBlkio(m, name)
	}
	if m := reg.Mount("devices"); m != nil {
		s.Devices = NewDevices(m, name)
	}
	if m := reg.Mount("net_cls"); m != nil {
		s.NetCls = NewNetCls(m, name)
	}
	return s
}

// Create materializes the cgroup directory for every controller in the
// set (§4.3 Start step 1).
func (s *Set) Create() error {
	for _, c := range s.all() {
		if err := c.Create(); err != nil {
			return err
		}
	}
	return nil
}

// AttachPid attaches pid to every controller in the set.
func (s *Set) AttachPid(pid int) error {
	for _, c := range s.all() {
		if err := c.AttachPid(pid); err != nil {
			return err
		}
	}
	return nil
}

// ResourceLimits bundles every resource-control property's resolved value,
// ready to write into each controller's knobs in one call (§4.1 Cgroup
// controllers, §4.3 Start step 1b).
type ResourceLimits struct {
	MemoryLimit       uint64 // 0 means unlimited, skip the knob write
	MemoryGuarantee   uint64
	RechargeOnPgfault bool

	CpuLimitCores     float64 // 0 means unlimited
	CpuGuaranteeCores float64
	CpuPolicy         CpuPolicy

	IoPolicy BlkioPolicy

	DeviceRules []DeviceRule
}

// ApplyLimits writes lim into every mounted controller's knobs, skipping
// any controller the host doesn't have (§4.1: "a container's Set only
// contains the controllers that exist"). A zero MemoryLimit is left
// unwritten rather than written literally, since memory.limit_in_bytes=0
// would put the cgroup into immediate OOM.
func (s *Set) ApplyLimits(lim ResourceLimits) error {
	if s.Memory != nil {
		if lim.MemoryLimit > 0 {
			if err := s.Memory.SetLimit(lim.MemoryLimit); err != nil {
				return fmt.Errorf("cgroup: memory limit: %w", err)
			}
		}
		if err := s.Memory.SetGuarantee(lim.MemoryGuarantee); err != nil {
			return fmt.Errorf("cgroup: memory guarantee: %w", err)
		}
		if err := s.Memory.SetRechargeOnPgfault(lim.RechargeOnPgfault); err != nil {
			return fmt.Errorf("cgroup: recharge_on_pgfault: %w", err)
		}
	}
	if s.Cpu != nil {
		if err := s.Cpu.SetLimit(lim.CpuLimitCores * 100); err != nil {
			return fmt.Errorf("cgroup: cpu limit: %w", err)
		}
		if err := s.Cpu.SetGuarantee(lim.CpuGuaranteeCores*100, 0); err != nil {
			return fmt.Errorf("cgroup: cpu guarantee: %w", err)
		}
		if lim.CpuPolicy != "" {
			if err := s.Cpu.SetPolicy(lim.CpuPolicy); err != nil {
				return fmt.Errorf("cgroup: cpu policy: %w", err)
			}
		}
	}
	if s.Blkio != nil && lim.IoPolicy != "" {
		if err := s.Blkio.SetPolicy(lim.IoPolicy); err != nil {
			return fmt.Errorf("cgroup: io policy: %w", err)
		}
	}
	if s.Devices != nil && len(lim.DeviceRules) > 0 {
		if err := s.Devices.Allow(lim.DeviceRules); err != nil {
			return fmt.Errorf("cgroup: devices: %w", err)
		}
	}
	return nil
}

// Remove tears down every controller's cgroup per the removal protocol
// (§4.1, §4.3 Stop). The freezer is thawed first so a frozen task can
// still observe the SIGKILL retries below.
func (s *Set) Remove(opts RemoveOpts) error {
	if s.Freezer != nil {
		_ = s.Freezer.Unfreeze()
	}
	var first error
	for _, c := range s.all() {
		if err := c.Remove(opts); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Set) all() []*Cgroup {
	var out []*Cgroup
	if s.Memory != nil {
		out = append(out, s.Memory.Cgroup)
	}
	if s.Freezer != nil {
		out = append(out, s.Freezer.Cgroup)
	}
	if s.Cpu != nil {
		out = append(out, s.Cpu.Cgroup)
	}
	if s.Cpuacct != nil {
		out = append(out, s.Cpuacct.Cgroup)
	}
	if s.Blkio != nil {
		out = append(out, s.Blkio.Cgroup)
	}
	if s.Devices != nil {
		out = append(out, s.Devices.Cgroup)
	}
	if s.NetCls != nil {
		out = append(out, s.NetCls.Cgroup)
	}
	return out
}
