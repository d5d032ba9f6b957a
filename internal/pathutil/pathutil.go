// Package pathutil provides the safe path manipulation the container and
// volume subsystems need: container-name <-> cgroup-path conversion,
// absolute-path validation, and symlink-safe resolution inside a (possibly
// chrooted) rootfs. Grounded on github.com/moby/sys/symlink's
// FollowSymlinkInScope, which the teacher uses for the same "don't let a
// bind target escape via a symlink" concern.
package pathutil

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/moby/sys/symlink"
)

const (
	// RootName is the implicit container tree root.
	RootName = "/"
	// PortoRootName is the implicit porto-root, container of all
	// top-level user containers (§3).
	PortoRootName = "/porto"
)

// Validate checks a container name against the charset/length rules (§8:
// boundary test, max length 66 for unprivileged callers).
func Validate(name string, maxLen int) error {
	if name == "" || name == RootName {
		return fmt.Errorf("pathutil: empty container name")
	}
	if len(name) > maxLen {
		return fmt.Errorf("pathutil: name %q exceeds max length %d", name, maxLen)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.' || r == '/':
		default:
			return fmt.Errorf("pathutil: invalid character %q in name %q", r, name)
		}
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("pathutil: name %q must not start with /", name)
	}
	if strings.Contains(name, "//") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("pathutil: malformed name %q", name)
	}
	return nil
}

// ParentName returns the name of name's parent container, "" for a
// top-level container (whose parent is the implicit porto-root).
func ParentName(name string) string {
	i := strings.LastIndexByte(name, '/')
	if i < 0 {
		return ""
	}
	return name[:i]
}

// CgroupPath maps a container name to its path relative to a controller's
// porto subtree root, e.g. "a/b" -> "a/b" (the subtree prefix is added by
// the caller, cgroup.Cgroup.Path).
func CgroupPath(name string) string {
	return name
}

// StripPortoPrefix removes a leading "porto/" (as found in
// /proc/<pid>/cgroup freezer paths, §4.2 FindTaskContainer) and returns the
// bare container name.
func StripPortoPrefix(p string) string {
	p = strings.TrimPrefix(p, "/")
	return strings.TrimPrefix(p, "porto/")
}

// ResolveInRoot resolves path against root the way ConfigureChild resolves
// bind targets and std-stream redirects that only exist after chroot:
// symlinks are followed but may not escape root.
func ResolveInRoot(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("pathutil: %q is not absolute", path)
	}
	return symlink.FollowSymlinkInScope(filepath.Join(root, path), root)
}
