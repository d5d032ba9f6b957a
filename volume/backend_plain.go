package volume

import (
	"os"

	"github.com/yandex/porto/internal/mount"
)

// PlainBackend bind-mounts the storage directory onto the volume path,
// honoring read-only; on destroy it unmounts (§4.6 Backends: plain).
type PlainBackend struct{}

func (PlainBackend) Configure(v *Volume) error {
	return os.MkdirAll(v.StoragePath, 0o755)
}

func (PlainBackend) Build(v *Volume) error {
	if err := os.MkdirAll(v.Path, 0o755); err != nil {
		return err
	}
	readOnly := v.Permissions&0o222 == 0
	return mount.BindMount(v.StoragePath, v.Path, readOnly)
}

func (PlainBackend) Destroy(v *Volume) error {
	return mount.Unmount(v.Path)
}

func (PlainBackend) Resize(v *Volume, spaceLimit, inodeLimit uint64) error {
	return errNotSupported("plain", "resize")
}
