// Package mount wraps cgroup mountpoint discovery (via mountinfo) and the
// bind/mount/umount primitives ConfigureChild and the volume backends use
// (via moby/sys/mount). Grounded on the teacher's use of both packages for
// the same concerns.
package mount

import (
	"fmt"

	mobymount "github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
)

// CgroupMount describes one cgroup controller mountpoint discovered from
// /proc/self/mountinfo at startup (§4.1 Mount discovery). Multiple
// controllers mounted at the same directory (e.g. cpu,cpuacct) share a
// Root and are treated as one underlying tree by the cgroup package.
type CgroupMount struct {
	Root        string   // mountpoint on the host filesystem
	Controllers []string // controller names bound at Root (e.g. ["cpu","cpuacct"])
}

// DiscoverCgroupMounts enumerates /proc/self/mountinfo for cgroup (v1)
// mountpoints, grouping controllers that share a mount the way the source
// groups cpu+cpuacct.
func DiscoverCgroupMounts() ([]CgroupMount, error) {
	infos, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup"))
	if err != nil {
		return nil, fmt.Errorf("mount: get mounts: %w", err)
	}
	byRoot := map[string]*CgroupMount{}
	var order []string
	for _, info := range infos {
		ctrls := parseCgroupOpts(info.VFSOptions)
		if len(ctrls) == 0 {
			continue
		}
		m, ok := byRoot[info.Mountpoint]
		if !ok {
			m = &CgroupMount{Root: info.Mountpoint}
			byRoot[info.Mountpoint] = m
			order = append(order, info.Mountpoint)
		}
		m.Controllers = append(m.Controllers, ctrls...)
	}
	out := make([]CgroupMount, 0, len(order))
	for _, root := range order {
		out = append(out, *byRoot[root])
	}
	return out, nil
}

func parseCgroupOpts(opts string) []string {
	known := map[string]bool{
		"memory": true, "cpu": true, "cpuacct": true, "cpuset": true,
		"blkio": true, "devices": true, "freezer": true, "net_cls": true,
		"net_prio": true, "pids": true, "perf_event": true, "hugetlb": true,
	}
	var out []string
	start := 0
	for i := 0; i <= len(opts); i++ {
		if i == len(opts) || opts[i] == ',' {
			if i > start {
				tok := opts[start:i]
				if known[tok] {
					out = append(out, tok)
				}
			}
			start = i + 1
		}
	}
	return out
}

// BindMount bind-mounts source onto target, optionally read-only, as
// ConfigureChild does for the container's bind list (§4.4) and the plain
// volume backend does for its storage directory (§4.6).
func BindMount(source, target string, readOnly bool) error {
	if err := mobymount.Mount(source, target, "", "bind"); err != nil {
		return fmt.Errorf("mount: bind %s -> %s: %w", source, target, err)
	}
	if readOnly {
		if err := mobymount.Mount(source, target, "", "bind,remount,ro"); err != nil {
			return fmt.Errorf("mount: remount ro %s: %w", target, err)
		}
	}
	return nil
}

// Unmount lazily detaches target, tolerating "not mounted" as a success the
// way Destroy/Stop teardown paths do (best-effort per §7).
func Unmount(target string) error {
	mounted, merr := mountinfo.Mounted(target)
	if merr == nil && !mounted {
		return nil
	}
	if err := mobymount.Unmount(target); err != nil {
		return fmt.Errorf("mount: unmount %s: %w", target, err)
	}
	return nil
}

// Mounted reports whether target is currently a mountpoint.
func Mounted(target string) (bool, error) {
	ok, err := mountinfo.Mounted(target)
	if err != nil {
		return false, fmt.Errorf("mount: mounted %s: %w", target, err)
	}
	return ok, nil
}
