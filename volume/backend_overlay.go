package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/yandex/porto/internal/mount"
	"github.com/yandex/porto/volume/quota"
)

// OverlayBackend stacks v.Layers read-only under a project-quota'd upper and
// work dir, mounted with overlayfs (§4.6 Backends: overlay). Destroy
// unmounts, clears the storage dir, and destroys the quota project.
type OverlayBackend struct {
	Control *quota.Control
}

func (b OverlayBackend) Configure(v *Volume) error {
	if len(v.Layers) == 0 {
		return errNotSupported("overlay", "create without layers")
	}
	return os.MkdirAll(v.StoragePath, 0o755)
}

func (b OverlayBackend) upperDir(v *Volume) string { return filepath.Join(v.StoragePath, "upper") }
func (b OverlayBackend) workDir(v *Volume) string  { return filepath.Join(v.StoragePath, "work") }

func (b OverlayBackend) Build(v *Volume) error {
	upper := b.upperDir(v)
	work := b.workDir(v)
	if err := os.MkdirAll(upper, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(work, 0o755); err != nil {
		return err
	}
	if b.Control != nil && (v.SpaceLimit > 0 || v.InodeLimit > 0) {
		if err := b.Control.SetQuota(v.StoragePath, quota.Quota{Size: v.SpaceLimit, Inodes: v.InodeLimit}); err != nil {
			return fmt.Errorf("volume: overlay quota: %w", err)
		}
	}
	if err := os.MkdirAll(v.Path, 0o755); err != nil {
		return err
	}

	// Layers are stored top->bottom in v.Layers; overlayfs wants the same
	// order in "lowerdir", colon-separated, uppermost first (§4.6 Layers).
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(v.Layers, ":"), upper, work)
	if err := syscall.Mount("overlay", v.Path, "overlay", 0, opts); err != nil {
		return fmt.Errorf("volume: overlay mount %s: %w", v.Path, err)
	}
	return nil
}

func (b OverlayBackend) Destroy(v *Volume) error {
	if err := mount.Unmount(v.Path); err != nil {
		return err
	}
	if b.Control != nil {
		if err := b.Control.Destroy(v.StoragePath); err != nil {
			return err
		}
	}
	return os.RemoveAll(v.StoragePath)
}

func (b OverlayBackend) Resize(v *Volume, spaceLimit, inodeLimit uint64) error {
	if b.Control == nil {
		return errNotSupported("overlay", "resize without quota support")
	}
	return b.Control.SetQuota(v.StoragePath, quota.Quota{Size: spaceLimit, Inodes: inodeLimit})
}
