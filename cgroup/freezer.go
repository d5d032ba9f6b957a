package cgroup

import (
	"fmt"
	"time"
)

// FreezerState mirrors the cgroup freezer.state knob values.
type FreezerState string

const (
	Thawed  FreezerState = "THAWED"
	Freezing FreezerState = "FREEZING"
	Frozen  FreezerState = "FROZEN"
)

// Freezer wraps the freezer controller cgroup for one container (§4.1,
// §4.3 Pause/Resume and teardown discipline).
type Freezer struct{ *Cgroup }

// NewFreezer returns a Freezer controller handle rooted at m for name.
func NewFreezer(m *Mount, name string) *Freezer { return &Freezer{New(m, name)} }

// Freeze requests FROZEN.
func (f *Freezer) Freeze() error { return f.WriteKnob("freezer.state", string(Frozen)) }

// Unfreeze requests THAWED.
func (f *Freezer) Unfreeze() error { return f.WriteKnob("freezer.state", string(Thawed)) }

// State reads the current freezer state.
func (f *Freezer) State() (FreezerState, error) {
	s, err := f.ReadKnob("freezer.state")
	if err != nil {
		return "", err
	}
	return FreezerState(s), nil
}

// WaitState polls the freezer state at a bounded interval until it matches
// target or timeout elapses, with bounded retries (§4.1, and §9c: the
// retry bound is timeout * a configurable multiplier).
func (f *Freezer) WaitState(target FreezerState, timeout time.Duration, retryMultiplier int) error {
	if retryMultiplier <= 0 {
		retryMultiplier = 10
	}
	retries := retryMultiplier
	if secs := int(timeout / time.Second); secs > 1 {
		retries = secs * retryMultiplier
	}
	interval := timeout
	if interval <= 0 {
		interval = 100 * time.Millisecond
	} else {
		interval = timeout / time.Duration(retries)
		if interval <= 0 {
			interval = time.Millisecond
		}
	}
	for i := 0; i < retries; i++ {
		s, err := f.State()
		if err == nil && s == target {
			return nil
		}
		time.Sleep(interval)
	}
	s, _ := f.State()
	return fmt.Errorf("cgroup: freezer did not reach %s within %v (last state %s)", target, timeout, s)
}
