package launch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/capability"
	"golang.org/x/sys/unix"

	"github.com/yandex/porto/internal/mount"
	"github.com/yandex/porto/internal/perr"
	"github.com/yandex/porto/internal/taskenv"
)

// rlimitByName maps the "ulimit" property's resource names to their
// RLIMIT_* constant, grounded on original_source/src/property.cpp's
// name table ("as", "core", "cpu", "data", "fsize", "locks", "memlock",
// "msgqueue", "nice", "nofile", "nproc", "rss", "rtprio", "rttime",
// "sigpending", "stack").
var rlimitByName = map[string]int{
	"as":         unix.RLIMIT_AS,
	"core":       unix.RLIMIT_CORE,
	"cpu":        unix.RLIMIT_CPU,
	"data":       unix.RLIMIT_DATA,
	"fsize":      unix.RLIMIT_FSIZE,
	"locks":      unix.RLIMIT_LOCKS,
	"memlock":    unix.RLIMIT_MEMLOCK,
	"msgqueue":   unix.RLIMIT_MSGQUEUE,
	"nice":       unix.RLIMIT_NICE,
	"nofile":     unix.RLIMIT_NOFILE,
	"nproc":      unix.RLIMIT_NPROC,
	"rss":        unix.RLIMIT_RSS,
	"rtprio":     unix.RLIMIT_RTPRIO,
	"rttime":     unix.RLIMIT_RTTIME,
	"sigpending": unix.RLIMIT_SIGPENDING,
	"stack":      unix.RLIMIT_STACK,
}

// ConfigureChild runs every step of §4.4 ConfigureChild in order, inside
// the reexec'd child process, before the final exec. Grounded on
// original_source/src/task.cpp's TTaskEnv::ConfigureChild.
func ConfigureChild(env *taskenv.TaskEnv) error {
	if err := applyRlimits(env); err != nil {
		return err
	}
	if _, err := unix.Setsid(); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: setsid")
	}
	unix.Umask(0)

	if env.Root != "" && env.Root != "/" {
		if err := setupMounts(env); err != nil {
			return err
		}
	}
	if err := makeDevices(env); err != nil {
		return err
	}
	if err := writeEtcFiles(env); err != nil {
		return err
	}
	if env.Cwd != "" {
		if err := unix.Chdir(env.Cwd); err != nil {
			return perr.Wrap(perr.Unknown, err, "launch: chdir %s", env.Cwd)
		}
	}
	if err := applyCreds(env); err != nil {
		return err
	}
	if err := applyCapabilities(env); err != nil {
		return err
	}
	if err := openStdStreams(env); err != nil {
		return err
	}
	unix.Umask(0o022)
	return nil
}

// applyRlimits implements ChildApplyLimits (§4.4 "apply rlimit list").
func applyRlimits(env *taskenv.TaskEnv) error {
	for _, u := range env.Ulimits {
		res, ok := rlimitByName[u.Resource]
		if !ok {
			return perr.New(perr.InvalidValue, "launch: unknown ulimit resource %q", u.Resource)
		}
		rlim := unix.Rlimit{Cur: u.Soft, Max: u.Hard}
		if err := unix.Setrlimit(res, &rlim); err != nil {
			return perr.Wrap(perr.Unknown, err, "launch: setrlimit %s=%d:%d", u.Resource, u.Soft, u.Hard)
		}
	}
	return nil
}

// setupMounts performs the private-mount, chroot, and bind-mount steps
// (§4.4 "perform mount setup: private-mount, chroot if root is set, bind
// binds").
func setupMounts(env *taskenv.TaskEnv) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: make mount tree private")
	}
	for _, b := range env.Binds {
		target := filepath.Join(env.Root, b.Target)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return perr.Wrap(perr.Unknown, err, "launch: mkdir bind target %s", target)
		}
		if err := mount.BindMount(b.Source, target, b.ReadOnly); err != nil {
			return perr.Wrap(perr.Unknown, err, "launch: bind %s -> %s", b.Source, b.Target)
		}
	}
	if err := unix.Chroot(env.Root); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: chroot %s", env.Root)
	}
	if err := unix.Chdir("/"); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: chdir / after chroot")
	}
	if env.RootReadOnly {
		if err := unix.Mount("", "/", "", unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_BIND, ""); err != nil {
			return perr.Wrap(perr.Unknown, err, "launch: remount root ro")
		}
	}
	return nil
}

// makeDevices mknods each entry from the "devices" property (§4.4
// "/dev/* nodes (mknod each)"), grounded on
// original_source/src/device.cpp's TDevice::Makedev: create the parent
// directory, skip wildcard/wildcard-access grants, and tolerate an
// already-correct node.
func makeDevices(env *taskenv.TaskEnv) error {
	for _, d := range env.Devices {
		if d.Major < 0 {
			continue // wildcard grant, cgroup devices controller handles it
		}
		path := d.Path
		if env.Root != "" && env.Root != "/" {
			path = filepath.Join(env.Root, d.Path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return perr.Wrap(perr.Unknown, err, "launch: mkdir for device %s", d.Path)
		}
		mode := uint32(0o666)
		if d.Type == 'b' {
			mode |= unix.S_IFBLK
		} else {
			mode |= unix.S_IFCHR
		}
		dev := unix.Mkdev(uint32(d.Major), uint32(d.Minor))
		if err := unix.Mknod(path, mode, int(dev)); err != nil && err != unix.EEXIST {
			return perr.Wrap(perr.Unknown, err, "launch: mknod %s", d.Path)
		}
	}
	return nil
}

// writeEtcFiles implements SetHostname: it writes /etc/hostname and sets
// the hostname when one is configured. It does not write resolv.conf.
func writeEtcFiles(env *taskenv.TaskEnv) error {
	if env.Hostname == "" {
		return nil
	}
	if err := os.WriteFile("/etc/hostname", []byte(env.Hostname+"\n"), 0o644); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: write /etc/hostname")
	}
	if err := unix.Sethostname([]byte(env.Hostname)); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: sethostname")
	}
	return nil
}

// applyCreds sets supplementary groups, gid, then uid in that order so
// the process still has CAP_SETUID when dropping the group id (§4.4
// "apply credentials (set supplementary groups, setgid, setuid)").
func applyCreds(env *taskenv.TaskEnv) error {
	if env.Uid == 0 && env.Gid == 0 {
		return nil
	}
	if err := unix.Setgroups([]int{int(env.Gid)}); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: setgroups")
	}
	if err := unix.Setgid(int(env.Gid)); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: setgid %d", env.Gid)
	}
	if err := unix.Setuid(int(env.Uid)); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: setuid %d", env.Uid)
	}
	return nil
}

// osModeCapabilities is the fixed set applied whenever VirtMode=="os"
// (§4.4: "a fixed restricted capability set, even for root"), the
// RESTRICTED_CAP-flagged subset of original_source/src/property.cpp's
// capability table. Unlike the original, which only restricts root this
// way behind a separate caller-supplied flag, os mode here always
// restricts root too — root never gets the unrestricted set in os mode.
var osModeCapabilities = []string{
	"CHOWN", "DAC_OVERRIDE", "FOWNER", "FSETID", "KILL", "SETGID", "SETUID",
	"NET_BIND_SERVICE", "NET_ADMIN", "NET_RAW", "IPC_LOCK", "SYS_CHROOT", "SYS_RESOURCE",
}

// applyCapabilities implements "apply capability sets: ambient first,
// then bounding (the limit set); if non-root, also apply effective"
// (§4.4), via moby/sys/capability's CapType bitset. The kernel only
// raises an ambient bit for a capability already present in both the
// inheritable and permitted sets, so those two are populated first;
// that ordering is a kernel prerequisite, not part of the spec order.
func applyCapabilities(env *taskenv.TaskEnv) error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: capability.NewPid2")
	}
	if err := caps.Load(); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: load capabilities")
	}

	names := env.Capabilities
	forceEffective := env.Uid != 0
	if env.VirtMode == "os" {
		names = osModeCapabilities
		forceEffective = true
	}

	set, err := resolveCapSet(names)
	if err != nil {
		return err
	}

	caps.Clear(capability.CAPS | capability.BOUNDS | capability.AMBIENT)

	caps.Set(capability.INHERITABLE|capability.PERMITTED, set...)
	if err := caps.Apply(capability.INHERITABLE | capability.PERMITTED); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: apply inheritable/permitted capabilities")
	}

	caps.Set(capability.AMBIENT, set...)
	if err := caps.Apply(capability.AMBIENT); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: apply ambient capabilities")
	}

	caps.Set(capability.BOUNDING, set...)
	if err := caps.Apply(capability.BOUNDING); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: apply bounding capabilities")
	}

	if forceEffective {
		caps.Set(capability.EFFECTIVE, set...)
		if err := caps.Apply(capability.EFFECTIVE); err != nil {
			return perr.Wrap(perr.Unknown, err, "launch: apply effective capabilities")
		}
	}
	return nil
}

func resolveCapSet(names []string) ([]capability.Cap, error) {
	byName := map[string]capability.Cap{}
	for _, c := range capability.List() {
		byName[strings.ToUpper(c.String())] = c
	}
	out := make([]capability.Cap, 0, len(names))
	for _, name := range names {
		c, ok := byName[strings.ToUpper(name)]
		if !ok {
			return nil, perr.New(perr.InvalidValue, "launch: unknown capability %q", name)
		}
		out = append(out, c)
	}
	return out, nil
}

// openStdStreams opens the three std streams inside the (possibly
// chrooted) filesystem view, since their paths may only exist post-chroot
// (§4.4 "open stdin/stdout/stderr inside").
func openStdStreams(env *taskenv.TaskEnv) error {
	if env.StdoutPath != "" {
		if err := redirectStd(unix.Stdout, env.StdoutPath); err != nil {
			return err
		}
	}
	if env.StderrPath != "" {
		if err := redirectStd(unix.Stderr, env.StderrPath); err != nil {
			return err
		}
	}
	return nil
}

func redirectStd(fd int, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: open %s", path)
	}
	defer f.Close()
	if err := unix.Dup2(int(f.Fd()), fd); err != nil {
		return perr.Wrap(perr.Unknown, err, "launch: dup2 onto fd %d", fd)
	}
	return nil
}
