package container

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yandex/porto/cgroup"
	"github.com/yandex/porto/internal/cred"
	"github.com/yandex/porto/internal/idalloc"
	"github.com/yandex/porto/internal/pathutil"
	"github.com/yandex/porto/internal/perr"
	"github.com/yandex/porto/property"
)

// Record is the persisted shape of a container, the unit the store package
// reads/writes (§4.2 Restore-from-store, §5 "write-then-rename at the
// record level").
type Record struct {
	ID      int
	Name    string
	Owner   cred.Cred
	Creator cred.Cred
	Props   map[string]property.Value

	RawRootPid      int
	RespawnCount    int
	LastStartTimeMs int64
}

// Holder is the container registry: name->Container map plus the id
// bitmap (§4.2).
type Holder struct {
	mu       sync.RWMutex
	byName   map[string]*Container
	ids      *idalloc.Map
	registry *property.Registry
	cgroups  *cgroup.Registry
	maxLen   int
	log      *logrus.Entry
}

// NewHolder builds an empty Holder able to allocate up to maxContainers
// ids.
func NewHolder(reg *property.Registry, cgroups *cgroup.Registry, maxContainers, maxLen int, log *logrus.Entry) *Holder {
	return &Holder{
		byName:   map[string]*Container{},
		ids:      idalloc.New(maxContainers),
		registry: reg,
		cgroups:  cgroups,
		maxLen:   maxLen,
		log:      log,
	}
}

// Create validates name, allocates an id, and inserts a new Stopped
// Container (§4.2 Create).
func (h *Holder) Create(name string, owner, creator cred.Cred, superuser bool) (*Container, error) {
	maxLen := h.maxLen
	if superuser {
		maxLen *= 3
	}
	if err := pathutil.Validate(name, maxLen); err != nil {
		return nil, perr.Wrap(perr.InvalidValue, err, "container: invalid name")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byName[name]; exists {
		return nil, perr.New(perr.ContainerAlreadyExists, "container %s already exists", name)
	}

	var parent *Container
	parentName := pathutil.ParentName(name)
	if parentName != "" {
		p, ok := h.byName[parentName]
		if !ok {
			return nil, perr.New(perr.ContainerDoesNotExist, "parent %s of %s does not exist", parentName, name)
		}
		parent = p
	}

	id, err := h.ids.Get()
	if err != nil {
		return nil, perr.Wrap(perr.ResourceNotAvailable, err, "container: id space exhausted")
	}

	c := New(id, name, parent, owner, creator, h.registry, h.log)
	c.cgroups = cgroup.NewSet(h.cgroups, pathutil.CgroupPath(name), 100000)

	h.byName[name] = c
	if parent != nil {
		parent.addChild(c)
	}
	return c, nil
}

// Get returns the container by name, or nil.
func (h *Holder) Get(name string) *Container {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byName[name]
}

// List returns every known container name.
func (h *Holder) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byName))
	for n := range h.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Destroy requires c Stopped; recursively destroys children first in
// reverse-creation order, erases the record (via the onDestroy callback),
// and frees the id (§4.2 Destroy). Volume links are not touched: a volume
// linked to c keeps c's name in its link list.
func (h *Holder) Destroy(c *Container, onDestroy func(name string) error) error {
	if st := c.State(); st != Stopped {
		return perr.New(perr.InvalidState, "container %s: must be Stopped to Destroy, is %s", c.name, st)
	}

	children := c.Children()
	for i := len(children) - 1; i >= 0; i-- {
		if err := h.Destroy(children[i], onDestroy); err != nil {
			return err
		}
	}

	h.mu.Lock()
	delete(h.byName, c.name)
	h.mu.Unlock()

	if c.parent != nil {
		c.parent.removeChild(c)
	}
	h.ids.Put(c.id)

	if onDestroy != nil {
		return onDestroy(c.name)
	}
	return nil
}

// FindTaskContainer reads /proc/<pid>/cgroup, extracts the freezer path
// suffix, strips the daemon's subtree prefix, and resolves the matching
// container (§4.2 FindTaskContainer).
func (h *Holder) FindTaskContainer(pid int, subtree string) (*Container, error) {
	name, err := freezerContainerName(pid, subtree)
	if err != nil {
		return nil, err
	}
	c := h.Get(name)
	if c == nil {
		return nil, perr.New(perr.ContainerDoesNotExist, "no container for pid %d (resolved name %q)", pid, name)
	}
	return c, nil
}

func freezerContainerName(pid int, subtree string) (string, error) {
	path := fmt.Sprintf("/proc/%d/cgroup", pid)
	data, err := readFile(path)
	if err != nil {
		return "", fmt.Errorf("container: read %s: %w", path, err)
	}
	prefix := "/" + subtree + "/"
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.SplitN(line, ":", 3)
		if len(fields) != 3 {
			continue
		}
		ctrls := strings.Split(fields[1], ",")
		isFreezer := false
		for _, c := range ctrls {
			if c == "freezer" {
				isFreezer = true
			}
		}
		if !isFreezer {
			continue
		}
		p := fields[2]
		if strings.HasPrefix(p, prefix) {
			return strings.TrimPrefix(p, prefix), nil
		}
		if p == "/"+subtree {
			return "", nil
		}
	}
	return "", fmt.Errorf("container: pid %d is not in subtree %s", pid, subtree)
}

// MatchWaitPid scans every container for one whose WaitPid matches, the
// SIGCHLD reconciliation path (§5 "reconciliation is by explicit pid match
// at wake-up").
func (h *Holder) MatchWaitPid(pid int) *Container {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.byName {
		if c.MatchesWaitPid(pid) {
			return c
		}
	}
	return nil
}

// DeadContainers returns every container currently in the Dead state, for
// the age-out/respawn sweep (§4.3 Dead handling).
func (h *Holder) DeadContainers() []*Container {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Container
	for _, c := range h.byName {
		if c.State() == Dead {
			out = append(out, c)
		}
	}
	return out
}

// Restore loads every persisted record (sorting them by name first so
// parents precede children), reconstructs each Container, skipping
// id collisions, and returns the reconstructed set (§4.2
// Restore-from-store). Reattachment to a live task and freezer-state
// derivation is the caller's job (it needs process/cgroup access this
// package purposefully keeps out of the pure registry logic).
func (h *Holder) Restore(records []Record, defaultOwner cred.Cred) []*Container {
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	h.mu.Lock()
	defer h.mu.Unlock()

	var restored []*Container
	for _, rec := range records {
		if err := h.ids.GetAt(rec.ID); err != nil {
			h.log.WithFields(logrus.Fields{"container": rec.Name, "id": rec.ID}).
				Warn("skipping record: id collision on restore")
			continue
		}

		var parent *Container
		if pn := pathutil.ParentName(rec.Name); pn != "" {
			parent = h.byName[pn]
		}

		c := New(rec.ID, rec.Name, parent, rec.Owner, rec.Creator, h.registry, h.log)
		c.cgroups = cgroup.NewSet(h.cgroups, pathutil.CgroupPath(rec.Name), 100000)
		for k, v := range rec.Props {
			c.props.Set(k, v)
		}
		c.rootPid = rec.RawRootPid
		c.respawnCount = rec.RespawnCount
		c.lastStartTimeMs = rec.LastStartTimeMs

		h.byName[rec.Name] = c
		if parent != nil {
			parent.addChild(c)
		}
		restored = append(restored, c)
	}
	return restored
}

// readFile is a package-level var so tests can stub /proc reads without
// a real process tree.
var readFile = defaultReadFile
