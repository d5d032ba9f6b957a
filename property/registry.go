package property

import (
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/yandex/porto/internal/perr"
	"github.com/yandex/porto/internal/taskenv"
	"github.com/yandex/porto/internal/wordexp"
)

// stopped allows Stopped/Dead; configurable adds Meta; always allows every
// state, for properties mutable while live.
var stopped = MaskOf(StateStopped, StateDead)
var configurable = MaskOf(StateStopped, StateDead, StateMeta)
var always = AnyState

func str(c Container, name string) string {
	if v, ok := c.GetRaw(name); ok {
		return v.Str
	}
	return ""
}

// Default builds the standard property+data registry (§3 Property/Data
// model; slot names and semantics grounded on
// original_source/property.cpp's P_* table).
func Default() *Registry {
	r := NewRegistry()

	r.Add(&Descriptor{
		Name: "command", Kind: KindString, Flags: Persistent, Legal: configurable,
		Default: func(c Container) Value {
			if str(c, "virt_mode") == "os" {
				return StringValue("/sbin/init")
			}
			return StringValue("")
		},
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error {
			if v.Str == "" {
				return nil
			}
			words, err := wordexp.Split(v.Str)
			if err != nil {
				return err
			}
			env.Command = words
			return nil
		},
	})
	r.Add(&Descriptor{
		Name: "user", Kind: KindString, Flags: Persistent | ParentDefault, Legal: configurable,
		Default: func(c Container) Value {
			if p := c.Parent(); p != nil {
				return StringValue(str(p, "user"))
			}
			return StringValue("porto")
		},
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.User = v.Str; return nil },
	})
	r.Add(&Descriptor{
		Name: "group", Kind: KindString, Flags: Persistent | ParentDefault, Legal: configurable,
		Default: func(c Container) Value {
			if p := c.Parent(); p != nil {
				return StringValue(str(p, "group"))
			}
			return StringValue("porto")
		},
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.Group = v.Str; return nil },
	})
	r.Add(&Descriptor{
		Name: "cwd", Kind: KindString, Flags: Persistent | PathValidated, Legal: configurable,
		Default:        func(c Container) Value { return StringValue("/") },
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.Cwd = v.Str; return nil },
	})
	r.Add(&Descriptor{
		Name: "root", Kind: KindString, Flags: Persistent | PathValidated, Legal: stopped,
		Default:        func(c Container) Value { return StringValue("/") },
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.Root = v.Str; return nil },
	})
	r.Add(&Descriptor{
		Name: "root_readonly", Kind: KindBool, Flags: Persistent, Legal: stopped,
		Default:        func(c Container) Value { return BoolValue(false) },
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.RootReadOnly = v.Bool; return nil },
	})
	r.Add(&Descriptor{
		Name: "isolate", Kind: KindBool, Flags: Persistent, Legal: stopped,
		Default:        func(c Container) Value { return BoolValue(true) },
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.Isolate = v.Bool; return nil },
	})
	r.Add(&Descriptor{
		Name: "virt_mode", Kind: KindString, Flags: Persistent | OsModeOverride, Legal: stopped,
		Default: func(c Container) Value { return StringValue("app") },
		Validate: func(c Container, v Value) error {
			if v.Str != "app" && v.Str != "os" {
				return perr.New(perr.InvalidValue, "virt_mode must be app or os, got %q", v.Str)
			}
			return nil
		},
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.VirtMode = v.Str; return nil },
	})
	r.Add(&Descriptor{
		Name: "hostname", Kind: KindString, Flags: Persistent, Legal: stopped,
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.Hostname = v.Str; return nil },
	})
	r.Add(&Descriptor{
		Name: "weak", Kind: KindBool, Flags: Persistent, Legal: always,
		Default:        func(c Container) Value { return BoolValue(false) },
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.Weak = v.Bool; return nil },
	})
	r.Add(&Descriptor{
		Name: "stdout_path", Kind: KindString, Flags: Persistent | PathValidated, Legal: configurable,
		Default:        func(c Container) Value { return StringValue("stdout") },
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.StdoutPath = v.Str; return nil },
	})
	r.Add(&Descriptor{
		Name: "stderr_path", Kind: KindString, Flags: Persistent | PathValidated, Legal: configurable,
		Default:        func(c Container) Value { return StringValue("stderr") },
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.StderrPath = v.Str; return nil },
	})
	r.Add(&Descriptor{
		Name: "bind", Kind: KindStringList, Flags: Persistent | PathValidated, Legal: stopped,
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error {
			for _, entry := range v.StrList {
				fields := strings.Fields(entry)
				b := taskenv.Bind{}
				if len(fields) >= 1 {
					b.Source = fields[0]
				}
				if len(fields) >= 2 {
					b.Target = fields[1]
				}
				if len(fields) >= 3 && fields[2] == "ro" {
					b.ReadOnly = true
				}
				env.Binds = append(env.Binds, b)
			}
			return nil
		},
	})
	r.Add(&Descriptor{
		Name: "devices", Kind: KindStringList, Flags: Persistent, Legal: stopped,
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error {
			for _, entry := range v.StrList {
				fields := strings.Fields(entry)
				if len(fields) < 2 {
					continue
				}
				d, err := resolveDevice(fields[0], fields[1])
				if err != nil {
					return err
				}
				env.Devices = append(env.Devices, d)
			}
			return nil
		},
	})
	r.Add(&Descriptor{
		Name: "capabilities", Kind: KindStringList, Flags: Persistent | RestrictedRoot, Legal: stopped,
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.Capabilities = v.StrList; return nil },
	})
	r.Add(&Descriptor{
		Name: "ulimit", Kind: KindStringList, Flags: Persistent, Legal: stopped,
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error {
			for _, entry := range v.StrList {
				fields := strings.Fields(entry)
				if len(fields) != 3 {
					continue
				}
				soft, _ := strconv.ParseUint(fields[1], 10, 64)
				hard, _ := strconv.ParseUint(fields[2], 10, 64)
				env.Ulimits = append(env.Ulimits, taskenv.Ulimit{Resource: fields[0], Soft: soft, Hard: hard})
			}
			return nil
		},
	})
	r.Add(&Descriptor{
		Name: "net", Kind: KindString, Flags: Persistent, Legal: stopped,
		Default: func(c Container) Value { return StringValue("inherited") },
	})
	r.Add(&Descriptor{
		Name: "ip", Kind: KindStringList, Flags: Persistent, Legal: stopped,
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error {
			for _, entry := range v.StrList {
				fields := strings.Fields(entry)
				if len(fields) != 2 {
					continue
				}
				env.IPs = append(env.IPs, taskenv.IPConfig{Device: fields[0], CIDR: fields[1]})
			}
			return nil
		},
	})
	r.Add(&Descriptor{
		Name: "default_gw", Kind: KindString, Flags: Persistent, Legal: stopped,
		PrepareTaskEnv: func(c Container, v Value, env *taskenv.TaskEnv) error { env.DefaultGw = v.Str; return nil },
	})

	// Resource limits (§4.1 Cgroup controllers). UintHasUnit marks fields
	// parsed from human sizes like "256Mi" via go-units, mirroring
	// config.Load's use of the same library.
	r.Add(&Descriptor{
		Name: "memory_limit", Kind: KindUint, Flags: Persistent | UintHasUnit, Legal: always,
		Default: func(c Container) Value { return UintValue(0) },
	})
	r.Add(&Descriptor{
		Name: "memory_guarantee", Kind: KindUint, Flags: Persistent | UintHasUnit, Legal: always,
		Default: func(c Container) Value { return UintValue(0) },
	})
	r.Add(&Descriptor{
		Name: "recharge_on_pgfault", Kind: KindBool, Flags: Persistent, Legal: always,
		Default: func(c Container) Value { return BoolValue(false) },
	})
	r.Add(&Descriptor{
		Name: "cpu_limit", Kind: KindString, Flags: Persistent, Legal: always,
		Default: func(c Container) Value { return StringValue("0c") },
	})
	r.Add(&Descriptor{
		Name: "cpu_guarantee", Kind: KindString, Flags: Persistent, Legal: always,
		Default: func(c Container) Value { return StringValue("0c") },
	})
	r.Add(&Descriptor{
		Name: "cpu_policy", Kind: KindString, Flags: Persistent, Legal: always,
		Default: func(c Container) Value { return StringValue("normal") },
		Validate: func(c Container, v Value) error {
			switch v.Str {
			case "normal", "rt":
				return nil
			case "idle":
				// Open Question (a): source rejects idle; carried forward.
				return perr.New(perr.NotSupported, "cpu_policy=idle is not supported")
			default:
				return perr.New(perr.InvalidValue, "unknown cpu_policy %q", v.Str)
			}
		},
	})
	r.Add(&Descriptor{
		Name: "io_policy", Kind: KindString, Flags: Persistent, Legal: always,
		Default: func(c Container) Value { return StringValue("normal") },
		Validate: func(c Container, v Value) error {
			if v.Str != "normal" && v.Str != "batch" {
				return perr.New(perr.InvalidValue, "unknown io_policy %q", v.Str)
			}
			return nil
		},
	})
	r.Add(&Descriptor{
		Name: "net_guarantee", Kind: KindStringUintMap, Flags: Persistent | UintHasUnit, Legal: always,
	})
	r.Add(&Descriptor{
		Name: "net_limit", Kind: KindStringUintMap, Flags: Persistent | UintHasUnit, Legal: always,
	})
	r.Add(&Descriptor{
		Name: "respawn", Kind: KindBool, Flags: Persistent, Legal: always,
		Default: func(c Container) Value { return BoolValue(false) },
	})
	r.Add(&Descriptor{
		Name: "max_respawns", Kind: KindInt, Flags: Persistent, Legal: always,
		Default: func(c Container) Value { return IntValue(-1) },
	})
	r.Add(&Descriptor{
		Name: "aging_time", Kind: KindUint, Flags: Persistent | UintHasUnit, Legal: always,
	})

	// Data slots (read-only derivations, §3 "cpu usage, memory usage, exit
	// status, stdout/stderr contents").
	r.Add(&Descriptor{Name: "state", Kind: KindString, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "exit_status", Kind: KindInt, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "start_errno", Kind: KindInt, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "root_pid", Kind: KindInt, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "oom_killed", Kind: KindBool, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "respawn_count", Kind: KindInt, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "stdout", Kind: KindString, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "stderr", Kind: KindString, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "cpu_usage", Kind: KindUint, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "memory_usage", Kind: KindUint, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "net_bytes", Kind: KindStringUintMap, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "minor_faults", Kind: KindUint, Flags: ReadOnly, Legal: always})
	r.Add(&Descriptor{Name: "major_faults", Kind: KindUint, Flags: ReadOnly, Legal: always})

	return r
}

// ParseSize parses a human size like "256Mi" via go-units, for properties
// flagged UintHasUnit (§3).
func ParseSize(raw string) (uint64, error) {
	v, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, perr.New(perr.InvalidValue, "bad size %q: %v", raw, err)
	}
	return uint64(v), nil
}

// ParseCores parses a core-count string like "2c" or "0.5c", the
// cores-suffixed sibling of ParseSize used by cpu_limit/cpu_guarantee
// (§4.1 Cgroup controllers).
func ParseCores(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	trimmed := strings.TrimSuffix(s, "c")
	if trimmed == s {
		return 0, perr.New(perr.InvalidValue, "bad core count %q: missing c suffix", raw)
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, perr.New(perr.InvalidValue, "bad core count %q: %v", raw, err)
	}
	return v, nil
}

// resolveDevice stats path on the host to recover the major/minor/node
// type original_source/src/device.cpp's TDevice::Init reads from the real
// device node, leaving Major at -1 for a wildcard access grant so the
// cgroup devices controller handles it entirely (§4.4 makeDevices).
func resolveDevice(path, access string) (taskenv.Device, error) {
	d := taskenv.Device{Path: path, Access: access, Major: -1, Minor: -1}
	if strings.ContainsRune(access, '*') {
		return d, nil
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return taskenv.Device{}, perr.Wrap(perr.InvalidValue, err, "devices: stat %s", path)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR:
		d.Type = 'c'
	case unix.S_IFBLK:
		d.Type = 'b'
	default:
		return taskenv.Device{}, perr.New(perr.InvalidValue, "devices: %s is not a device node", path)
	}
	d.Major = int64(unix.Major(uint64(st.Rdev)))
	d.Minor = int64(unix.Minor(uint64(st.Rdev)))
	return d, nil
}
