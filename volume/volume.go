// Package volume implements the volume manager of §4.6: pluggable backends
// (plain bind, ext4 project-quota, overlayfs, loop-image), layer import,
// and reference counting by container links.
//
// Grounded on original_source/volume.{hpp,cpp} for the TVolume/TVolumeHolder
// shape (Create/Construct/Deconstruct/Destroy split, per-backend Impl) and
// on the teacher's daemon/graphdriver backends (overlay2, vfs) for the Go
// idiom of one Driver interface with per-backend implementations.
package volume

import (
	"fmt"
	"sync"

	"github.com/yandex/porto/internal/cred"
	"github.com/yandex/porto/internal/idalloc"
	"github.com/yandex/porto/internal/perr"
)

// Backend names a volume storage strategy (§4.6).
type Backend string

const (
	BackendPlain   Backend = "plain"
	BackendNative  Backend = "native"
	BackendLoop    Backend = "loop"
	BackendOverlay Backend = "overlay"
)

// State mirrors the volume's readiness (§3: "a volume is linked to >=1
// container iff it is Ready").
type State int

const (
	StateBuilding State = iota
	StateReady
	StateDestroying
)

// Volume is one TVolume instance, identified by its absolute path (§3).
type Volume struct {
	mu sync.Mutex

	ID      int
	Path    string
	Backend Backend

	StoragePath string
	ImageFile   string   // loop backend only: generated basename of the backing image
	Layers      []string // ordered top->bottom, overlay lowers

	Linked []string // owning container names

	Cred        cred.Cred
	Permissions uint32

	SpaceLimit, SpaceGuarantee     uint64
	InodeLimit, InodeGuarantee     uint64

	State    State
	LoopDev  int // loop backend only, 0 until Configure assigns one

	impl Driver
}

// Driver is the per-backend strategy (§4.6 Backends): Configure (loop
// allocates the loop device upfront), Build (materialize the mount),
// Destroy (tear it down), Resize (native, loop and quota-backed overlay;
// the others report NotSupported).
type Driver interface {
	Configure(v *Volume) error
	Build(v *Volume) error
	Destroy(v *Volume) error
	Resize(v *Volume, spaceLimit, inodeLimit uint64) error
}

// PickBackend infers the backend the way §4.6 step 2 describes: overlay if
// layers are supplied, native if project quota is available, loop if only
// a space limit is set, else plain.
func PickBackend(explicit Backend, hasLayers, quotaAvailable, hasSpaceLimit bool) Backend {
	if explicit != "" {
		return explicit
	}
	switch {
	case hasLayers:
		return BackendOverlay
	case quotaAvailable:
		return BackendNative
	case hasSpaceLimit:
		return BackendLoop
	default:
		return BackendPlain
	}
}

// LinkContainer appends name to Linked and reports whether this was the
// first link (Ready transition happens at the caller, which persists the
// record) (§4.6 Links).
func (v *Volume) LinkContainer(name string) (firstLink bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, n := range v.Linked {
		if n == name {
			return false
		}
	}
	firstLink = len(v.Linked) == 0
	v.Linked = append(v.Linked, name)
	return firstLink
}

// UnlinkContainer removes name from Linked and reports whether it was the
// last link (caller must then Destroy the volume) (§3, §4.6).
func (v *Volume) UnlinkContainer(name string) (lastLink bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, n := range v.Linked {
		if n == name {
			v.Linked = append(v.Linked[:i], v.Linked[i+1:]...)
			break
		}
	}
	return len(v.Linked) == 0
}

// CheckPermission enforces §4.6 Permissions: only the owner or a
// privileged user may mutate; read operations are open (checked by the
// dispatcher before calling a mutating method).
func (v *Volume) CheckPermission(caller cred.Cred, superuserGroups []string) error {
	if caller.IsRoot() || caller.Uid == v.Cred.Uid || cred.InGroups(caller.Gid, superuserGroups) {
		return nil
	}
	return perr.New(perr.Permission, "volume %s: caller %s is not the owner", v.Path, caller)
}

// Holder is the registry of volumes keyed by path, with a separate id
// bitmap (§4.2-shaped, applied to volumes per §4.6 step 6).
type Holder struct {
	mu      sync.RWMutex
	byPath  map[string]*Volume
	ids     *idalloc.Map
	backends map[Backend]Driver
}

// NewHolder builds an empty Holder with the given per-backend drivers and
// id space.
func NewHolder(backends map[Backend]Driver, maxVolumes int) *Holder {
	return &Holder{
		byPath:   map[string]*Volume{},
		ids:      idalloc.New(maxVolumes),
		backends: backends,
	}
}

// Create registers a new Volume at path, uses the driver registered for
// v.Backend, configures and
// builds it (§4.6 steps 1-6). On any failure after id allocation, the id
// is released.
func (h *Holder) Create(v *Volume) error {
	h.mu.Lock()
	if _, exists := h.byPath[v.Path]; exists {
		h.mu.Unlock()
		return perr.New(perr.VolumeAlreadyExists, "volume %s already exists", v.Path)
	}
	id, err := h.ids.Get()
	if err != nil {
		h.mu.Unlock()
		return perr.Wrap(perr.ResourceNotAvailable, err, "volume: id space exhausted")
	}
	v.ID = id
	v.State = StateBuilding
	h.byPath[v.Path] = v
	h.mu.Unlock()

	driver, ok := h.backends[v.Backend]
	if !ok {
		h.rollbackCreate(v)
		return perr.New(perr.NotSupported, "volume: backend %q not available", v.Backend)
	}
	v.impl = driver

	if err := driver.Configure(v); err != nil {
		h.rollbackCreate(v)
		return fmt.Errorf("volume: configure %s: %w", v.Path, err)
	}
	if err := driver.Build(v); err != nil {
		h.rollbackCreate(v)
		return fmt.Errorf("volume: build %s: %w", v.Path, err)
	}

	h.mu.Lock()
	v.State = StateReady
	h.mu.Unlock()
	return nil
}

func (h *Holder) rollbackCreate(v *Volume) {
	h.mu.Lock()
	delete(h.byPath, v.Path)
	h.mu.Unlock()
	h.ids.Put(v.ID)
}

// Get returns the volume at path, or nil.
func (h *Holder) Get(path string) *Volume {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byPath[path]
}

// List returns every tracked volume path.
func (h *Holder) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byPath))
	for p := range h.byPath {
		out = append(out, p)
	}
	return out
}

// Destroy tears down a volume's backend and removes it from the registry,
// releasing its id (§4.6 backend Destroy semantics, triggered when the
// last container link is removed, §3).
func (h *Holder) Destroy(v *Volume) error {
	h.mu.Lock()
	v.State = StateDestroying
	h.mu.Unlock()

	var destroyErr error
	if v.impl != nil {
		destroyErr = v.impl.Destroy(v)
	}

	h.mu.Lock()
	delete(h.byPath, v.Path)
	h.mu.Unlock()
	h.ids.Put(v.ID)

	if destroyErr != nil {
		return fmt.Errorf("volume: destroy %s: %w", v.Path, destroyErr)
	}
	return nil
}

// Resize forwards to the backend's Resize (native, loop and quota-backed
// overlay support a live resize; others report NotSupported) (§4.6 native
// "Resize updates project limits").
func (h *Holder) Resize(v *Volume, spaceLimit, inodeLimit uint64) error {
	if v.impl == nil {
		return perr.New(perr.NotSupported, "volume %s has no backend attached", v.Path)
	}
	return v.impl.Resize(v, spaceLimit, inodeLimit)
}
