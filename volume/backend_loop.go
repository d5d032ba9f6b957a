package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"unsafe"

	"github.com/google/uuid"

	"github.com/yandex/porto/internal/mount"
)

// LoopBackend allocates a loop device, creates an ext4 image at
// <storage>/loop.img sized to the space limit, and mounts it via the loop
// device (§4.6 Backends: loop). Grounded on
// original_source/src/util/loop.cpp's SetupLoopDevice/PutLoopDev/
// ResizeLoopDev ioctl sequence (LOOP_CTL_GET_FREE, LOOP_SET_FD,
// LOOP_SET_STATUS64, LOOP_CLR_FD, LOOP_SET_CAPACITY).
type LoopBackend struct {
	mu sync.Mutex
}

const (
	loopCtlGetFree  = 0x4C82
	loopSetFd       = 0x4C00
	loopClrFd       = 0x4C01
	loopSetStatus64 = 0x4C04
	loopSetCapacity = 0x4C07
	loNameSize      = 64
)

type loopInfo64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [loNameSize]byte
	CryptName      [loNameSize]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

func (b *LoopBackend) Configure(v *Volume) error {
	if err := os.MkdirAll(v.StoragePath, 0o755); err != nil {
		return err
	}
	if v.ImageFile == "" {
		v.ImageFile = uuid.NewString() + ".img"
	}
	imgPath := filepath.Join(v.StoragePath, v.ImageFile)
	img, err := os.OpenFile(imgPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("volume: create loop image: %w", err)
	}
	defer img.Close()
	if err := img.Truncate(int64(v.SpaceLimit)); err != nil {
		return fmt.Errorf("volume: size loop image: %w", err)
	}

	nr, err := b.setupLoopDevice(imgPath)
	if err != nil {
		return err
	}
	v.LoopDev = nr
	return nil
}

func (b *LoopBackend) setupLoopDevice(imagePath string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	image, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("volume: open image: %w", err)
	}
	defer image.Close()

	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("volume: open /dev/loop-control: %w", err)
	}
	defer ctl.Close()

	for retry := 0; retry < 10; retry++ {
		nr, _, errno := syscall.Syscall(syscall.SYS_IOCTL, ctl.Fd(), loopCtlGetFree, 0)
		if int(nr) < 0 {
			return 0, fmt.Errorf("volume: LOOP_CTL_GET_FREE: %w", errno)
		}
		loopPath := fmt.Sprintf("/dev/loop%d", nr)
		loop, err := os.OpenFile(loopPath, os.O_RDWR, 0)
		if err != nil {
			return 0, fmt.Errorf("volume: open %s: %w", loopPath, err)
		}

		_, _, errno = syscall.Syscall(syscall.SYS_IOCTL, loop.Fd(), loopSetFd, image.Fd())
		if errno != 0 {
			loop.Close()
			if errno == syscall.EBUSY {
				continue
			}
			return 0, fmt.Errorf("volume: LOOP_SET_FD: %w", errno)
		}

		var info loopInfo64
		copy(info.FileName[:], imagePath)
		_, _, errno = syscall.Syscall(syscall.SYS_IOCTL, loop.Fd(), loopSetStatus64, uintptr(unsafe.Pointer(&info)))
		if errno != 0 {
			syscall.Syscall(syscall.SYS_IOCTL, loop.Fd(), loopClrFd, 0)
			loop.Close()
			return 0, fmt.Errorf("volume: LOOP_SET_STATUS64: %w", errno)
		}
		loop.Close()
		return int(nr), nil
	}
	return 0, fmt.Errorf("volume: no free loop device after retries")
}

func (b *LoopBackend) Build(v *Volume) error {
	loopPath := fmt.Sprintf("/dev/loop%d", v.LoopDev)
	if err := os.MkdirAll(v.Path, 0o755); err != nil {
		return err
	}
	readOnly := v.Permissions&0o222 == 0
	return mount.BindMount(loopPath, v.Path, readOnly)
}

func (b *LoopBackend) Destroy(v *Volume) error {
	if err := mount.Unmount(v.Path); err != nil {
		return err
	}
	loopPath := fmt.Sprintf("/dev/loop%d", v.LoopDev)
	loop, err := os.OpenFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		return nil // already released
	}
	defer loop.Close()
	syscall.Syscall(syscall.SYS_IOCTL, loop.Fd(), loopClrFd, 0)
	return nil
}

// Resize updates the backing image size and grows the filesystem. Online
// shrink is not supported (§9 original_source parity).
func (b *LoopBackend) Resize(v *Volume, spaceLimit, inodeLimit uint64) error {
	if spaceLimit < v.SpaceLimit {
		return errNotSupported("loop", "online shrink")
	}
	imgPath := filepath.Join(v.StoragePath, v.ImageFile)
	img, err := os.OpenFile(imgPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer img.Close()
	if err := img.Truncate(int64(spaceLimit)); err != nil {
		return err
	}
	loopPath := fmt.Sprintf("/dev/loop%d", v.LoopDev)
	loop, err := os.OpenFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer loop.Close()
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, loop.Fd(), loopSetCapacity, 0)
	if errno != 0 {
		return fmt.Errorf("volume: LOOP_SET_CAPACITY: %w", errno)
	}
	return nil
}
