package volume

import (
	"os"

	"github.com/yandex/porto/internal/mount"
	"github.com/yandex/porto/volume/quota"
)

// NativeBackend applies an ext4/xfs project quota to the storage dir (the
// quota id is chosen deterministically from the dir's inode so it survives
// restart, see volume/quota.projectIDFromInode), then bind-mounts like
// plain; destroy unmounts and destroys the project (§4.6 Backends: native).
type NativeBackend struct {
	Control *quota.Control
}

func (b NativeBackend) Configure(v *Volume) error {
	return os.MkdirAll(v.StoragePath, 0o755)
}

func (b NativeBackend) Build(v *Volume) error {
	if err := b.Control.SetQuota(v.StoragePath, quota.Quota{Size: v.SpaceLimit, Inodes: v.InodeLimit}); err != nil {
		return err
	}
	if err := os.MkdirAll(v.Path, 0o755); err != nil {
		return err
	}
	readOnly := v.Permissions&0o222 == 0
	return mount.BindMount(v.StoragePath, v.Path, readOnly)
}

func (b NativeBackend) Destroy(v *Volume) error {
	if err := mount.Unmount(v.Path); err != nil {
		return err
	}
	return b.Control.Destroy(v.StoragePath)
}

func (b NativeBackend) Resize(v *Volume, spaceLimit, inodeLimit uint64) error {
	return b.Control.SetQuota(v.StoragePath, quota.Quota{Size: spaceLimit, Inodes: inodeLimit})
}
