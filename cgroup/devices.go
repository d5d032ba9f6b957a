package cgroup

import (
	"fmt"
	"strings"
)

// DeviceRule is one devices.allow/deny line, e.g. "c 1:3 rwm" for /dev/null.
type DeviceRule struct {
	Type   byte // 'c', 'b', or 'a'
	Major  string
	Minor  string
	Access string // any of "rwm"
}

func (r DeviceRule) String() string {
	return fmt.Sprintf("%c %s:%s %s", r.Type, r.Major, r.Minor, r.Access)
}

// Devices wraps the devices controller cgroup for one container (§4.1).
type Devices struct {
	*Cgroup
	current []DeviceRule
}

// NewDevices returns a Devices controller handle rooted at m for name.
func NewDevices(m *Mount, name string) *Devices { return &Devices{Cgroup: New(m, name)} }

// Allow emits "devices.deny a" followed by one "devices.allow" per rule,
// but only if the rule set actually changed from what was last applied
// (§4.1: "only if the current rule set differs").
func (d *Devices) Allow(rules []DeviceRule) error {
	if rulesEqual(d.current, rules) {
		return nil
	}
	if err := d.WriteKnob("devices.deny", "a"); err != nil {
		return err
	}
	for _, r := range rules {
		if err := d.WriteKnob("devices.allow", r.String()); err != nil {
			return fmt.Errorf("cgroup: devices.allow %s: %w", r, err)
		}
	}
	d.current = append([]DeviceRule(nil), rules...)
	return nil
}

func rulesEqual(a, b []DeviceRule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ParseRule parses a "type major:minor access" rule string as accepted by
// the devices property (§4.4 PrepareTaskEnv: devices list).
func ParseRule(s string) (DeviceRule, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 || len(fields[0]) != 1 {
		return DeviceRule{}, fmt.Errorf("cgroup: malformed device rule %q", s)
	}
	mm := strings.SplitN(fields[1], ":", 2)
	if len(mm) != 2 {
		return DeviceRule{}, fmt.Errorf("cgroup: malformed major:minor in %q", s)
	}
	return DeviceRule{Type: fields[0][0], Major: mm[0], Minor: mm[1], Access: fields[2]}, nil
}
