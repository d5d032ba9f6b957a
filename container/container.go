// Package container implements the container lifecycle of §3/§4.2/§4.3: a
// name-addressed process host with a property/data map, a state machine,
// cgroup and network handles, and respawn policy. Grounded on
// original_source/container.{hpp,cpp} for the state transitions and
// invariants, expressed the way the teacher structures a long-lived daemon
// resource (daemon/container.go's Container type: one struct, one mutex,
// state held as a typed field, not an interface hierarchy).
package container

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/yandex/porto/cgroup"
	"github.com/yandex/porto/internal/cred"
	"github.com/yandex/porto/internal/perr"
	"github.com/yandex/porto/internal/taskenv"
	"github.com/yandex/porto/property"
)

// State is the container lifecycle state (§3, §4.3).
type State int

const (
	Stopped State = iota
	Starting
	Running
	Paused
	Meta
	Dead
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Meta:
		return "meta"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// propertyState converts to the property package's parallel State enum
// (kept separate to avoid an import cycle; property imports nothing of
// container).
func (s State) propertyState() property.State { return property.State(s) }

// LaunchResult is what the task launcher reports back on a successful
// Start (§4.4 step 6: "recv WPid... recv VPid... recv terminal error").
type LaunchResult struct {
	WaitPid  int // pid in the host namespace, the daemon's direct child
	TaskVPid int // pid as seen inside the container's pid namespace
	RootPid  int // pid used for signaling (may equal WaitPid or TaskVPid)
}

// Launcher is the task-launch capability a Container's Start calls into
// (§4.4). Defined here, implemented by the launch package, so container
// need not import launch (which instead imports container's exported
// TaskEnv-shaped dependencies only through this interface boundary).
type Launcher interface {
	Launch(env *taskenv.TaskEnv, cg *cgroup.Set) (LaunchResult, error)
}

// NetworkLeaf is the per-container HTB bookkeeping handle a Container's
// Start/Stop acquires/releases (§4.5 "Per-container leaves").
type NetworkLeaf interface {
	Release() error
}

// NetworkBinder attaches/detaches the per-container HTB leaf classes
// (§4.5), implemented by the network package.
type NetworkBinder interface {
	Bind(containerID int, parentID int) (NetworkLeaf, error)
}

// Container is one TContainer instance (§3).
type Container struct {
	mu sync.Mutex

	id   int
	name string

	parent   *Container
	children []*Container // ordered by creation

	owner   cred.Cred
	creator cred.Cred

	props *property.Store

	state State

	waitPid  int
	taskVPid int
	rootPid  int

	cgroups *cgroup.Set
	netLeaf NetworkLeaf

	linkedVolumes []string

	respawnCount    int
	respawnLimit    int
	lastStartTimeMs int64

	startErrno  int
	exitStatus  int
	oomKilled   bool
	deathTimeMs int64

	registry *property.Registry
	log      *logrus.Entry
}

// New constructs a Container in state Stopped with defaulted property
// storage (§4.2 Create: "instantiates property/data maps with defaults").
func New(id int, name string, parent *Container, owner, creator cred.Cred, reg *property.Registry, log *logrus.Entry) *Container {
	c := &Container{
		id:           id,
		name:         name,
		parent:       parent,
		owner:        owner,
		creator:      creator,
		props:        property.NewStore(),
		state:        Stopped,
		respawnLimit: -1,
		registry:     reg,
		log:          log.WithField("container", name),
	}
	return c
}

func (c *Container) Name() string { return c.name }
func (c *Container) ID() int      { return c.id }

func (c *Container) Parent() *Container {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parent
}

func (c *Container) Children() []*Container {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Container, len(c.children))
	copy(out, c.children)
	return out
}

func (c *Container) addChild(child *Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, child)
}

func (c *Container) removeChild(child *Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.children {
		if ch == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Container) setState(s State) {
	c.state = s
}

// IsMeta reports whether this container hosts children without a command
// of its own (§3: "Meta = container has no command and exists to host
// children").
func (c *Container) IsMeta() bool {
	v, _ := c.registry.Resolve("command", c.propView())
	return v.Str == ""
}

// RootPid returns the pid used for signaling, 0 when not running (§3 Task
// identity).
func (c *Container) RootPid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rootPid
}

// propView adapts Container to property.Container for registry calls. Its
// methods read fields directly without locking: every call site obtains a
// propView only while already holding c.mu, and a non-reentrant
// sync.Mutex would deadlock if these methods tried to relock it. Reading
// a parent container's fields this way is a deliberate, bounded race (the
// parent's state/props change rarely and only under its own lock) rather
// than a lock-ordering hazard, since container locks are never meant to
// nest (§5).
func (c *Container) propView() property.Container { return (*propView)(c) }

type propView Container

func (p *propView) Name() string          { return p.name }
func (p *propView) State() property.State { return State(p.state).propertyState() }
func (p *propView) IsRoot() bool          { return p.parent == nil }
func (p *propView) Parent() property.Container {
	if p.parent == nil {
		return nil
	}
	return (*propView)(p.parent)
}
func (p *propView) GetRaw(name string) (property.Value, bool) {
	return p.props.Get(name)
}

// GetProperty resolves a property's effective value after an access check
// (§3, §4.7 GetProperty verb).
func (c *Container) GetProperty(reg *property.Registry, name string, superuser bool) (property.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := reg.CheckAccess(name, false, c.propView(), superuser); err != nil {
		return property.Value{}, err
	}
	return reg.Resolve(name, c.propView())
}

// SetProperty validates and stores a property write (§3, §4.7 SetProperty
// verb). reserve is only consulted for memory_guarantee, the same
// administrative reserve checkGuarantee adds to the root-sum check at
// Start.
func (c *Container) SetProperty(reg *property.Registry, name string, v property.Value, superuser bool, reserve uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := reg.CheckAccess(name, true, c.propView(), superuser)
	if err != nil {
		return err
	}
	if d.Validate != nil {
		if err := d.Validate(c.propView(), v); err != nil {
			return err
		}
	}
	if name == "memory_guarantee" {
		if err := c.validateMemoryGuaranteeAgainstParent(v.Uint, reserve); err != nil {
			return err
		}
	}
	c.props.Set(name, v)
	return nil
}

// validateMemoryGuaranteeAgainstParent enforces §4.3's parent-dominance
// invariant: the sum of a container's siblings' (including this write)
// memory_guarantee plus reserve must not exceed the immediate parent's own
// guarantee. Directly under the root, this is skipped — the root's
// guarantee defaults to 0, which would otherwise make every non-root
// guarantee impossible — and the root-sum-vs-host-memory check in
// checkGuarantee is the real bound instead (§9 Open Question resolution).
//
// c.mu is already held by the caller (SetProperty); parent and sibling
// fields are read without locking their own mutexes, per propView's
// documented bounded-race convention (§5: container locks never nest).
func (c *Container) validateMemoryGuaranteeAgainstParent(proposed, reserve uint64) error {
	if c.parent == nil || c.parent.parent == nil {
		return nil
	}
	parent := c.parent
	parentGuarantee, _ := parent.props.Get("memory_guarantee")

	sum := proposed + reserve
	for _, sib := range parent.children {
		if sib == c {
			continue
		}
		if v, ok := sib.props.Get("memory_guarantee"); ok {
			sum += v.Uint
		}
	}
	if sum > parentGuarantee.Uint {
		return perr.New(perr.ResourceNotAvailable, "memory_guarantee: children sum %d exceeds parent %s guarantee %d", sum, parent.name, parentGuarantee.Uint)
	}
	return nil
}

// GetData resolves a read-only data slot, keeping live fields (state,
// root_pid, exit_status, ...) fresh from the struct rather than the
// property store (§3 "data slots are read-only derivations").
func (c *Container) GetData(reg *property.Registry, name string) (property.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch name {
	case "state":
		return property.StringValue(c.state.String()), nil
	case "root_pid":
		return property.IntValue(int64(c.rootPid)), nil
	case "exit_status":
		return property.IntValue(int64(c.exitStatus)), nil
	case "start_errno":
		return property.IntValue(int64(c.startErrno)), nil
	case "oom_killed":
		return property.BoolValue(c.oomKilled), nil
	case "respawn_count":
		return property.IntValue(int64(c.respawnCount)), nil
	}
	if _, err := reg.CheckAccess(name, false, c.propView(), true); err != nil {
		return property.Value{}, err
	}
	return reg.Resolve(name, c.propView())
}

// checkGuarantee walks the tree from root and sums the explicitly stored
// memory_guarantee of every container in it, whatever its state (unset
// values count as zero), plus additional and reserve, per §4.3 Start's
// resource-guarantee check.
func checkGuarantee(root *Container, reg *property.Registry, additional uint64, reserve, totalMem uint64) error {
	sum := additional + reserve
	var walk func(*Container)
	walk = func(n *Container) {
		n.mu.Lock()
		v, ok := n.props.Get("memory_guarantee")
		children := append([]*Container(nil), n.children...)
		n.mu.Unlock()
		if ok {
			sum += v.Uint
		}
		for _, ch := range children {
			walk(ch)
		}
	}
	walk(root)
	if totalMem > 0 && sum > totalMem {
		return perr.New(perr.ResourceNotAvailable, "memory guarantee sum %d exceeds host memory %d", sum, totalMem)
	}
	return nil
}

// Start implements §4.3 Start: precondition checks, cgroup creation,
// TaskEnv assembly, launch, and a reverse tear-down on any failure.
func (c *Container) Start(launcher Launcher, net NetworkBinder, parentClassID int, totalMem, reserve uint64) error {
	c.mu.Lock()
	if c.state != Stopped && c.state != Dead {
		st := c.state
		c.mu.Unlock()
		return perr.New(perr.InvalidState, "container %s: cannot Start from state %s", c.name, st)
	}
	if c.parent != nil {
		ps := c.parent.State()
		if ps != Running && ps != Meta {
			c.mu.Unlock()
			return perr.New(perr.InvalidState, "container %s: parent %s is not Running/Meta", c.name, c.parent.name)
		}
	}
	cmdVal, _ := c.registry.Resolve("command", c.propView())
	virtMode, _ := c.registry.Resolve("virt_mode", c.propView())
	isMeta := cmdVal.Str == "" && virtMode.Str != "os"
	c.setState(Starting)
	c.mu.Unlock()

	root := c
	for root.parent != nil {
		root = root.parent
	}
	if err := checkGuarantee(root, c.registry, 0, reserve, totalMem); err != nil {
		c.mu.Lock()
		c.setState(Stopped)
		c.mu.Unlock()
		return err
	}

	if err := c.doStart(launcher, net, parentClassID, isMeta); err != nil {
		c.mu.Lock()
		c.startErrno = errnoOf(err)
		c.setState(Stopped)
		c.mu.Unlock()
		if c.cgroups != nil {
			c.cgroups.Remove(cgroup.RemoveOpts{KillRetries: 3, RetryDelay: 10 * time.Millisecond})
		}
		return err
	}
	return nil
}

func (c *Container) doStart(launcher Launcher, net NetworkBinder, parentClassID int, isMeta bool) error {
	// Step 1: cgroups for every participating controller.
	if err := c.cgroups.Create(); err != nil {
		return fmt.Errorf("container: create cgroups: %w", err)
	}

	// Step 2: apply PrepareTaskEnv hooks into a TaskEnv.
	var env taskenv.TaskEnv
	if err := c.registry.ApplyTaskEnv(c.propView(), &env); err != nil {
		return fmt.Errorf("container: prepare task env: %w", err)
	}

	limits, err := c.resolveResourceLimits(&env)
	if err != nil {
		return err
	}
	if err := c.cgroups.ApplyLimits(limits); err != nil {
		return fmt.Errorf("container: apply resource limits: %w", err)
	}

	c.mu.Lock()
	if isMeta {
		c.setState(Meta)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// Steps 3-4: launch.
	res, err := launcher.Launch(&env, c.cgroups)
	if err != nil {
		return fmt.Errorf("container: launch: %w", err)
	}

	var leaf NetworkLeaf
	if net != nil {
		leaf, err = net.Bind(c.id, parentClassID)
		if err != nil {
			return fmt.Errorf("container: network leaf: %w", err)
		}
	}

	c.mu.Lock()
	c.waitPid = res.WaitPid
	c.taskVPid = res.TaskVPid
	c.rootPid = res.RootPid
	c.netLeaf = leaf
	c.lastStartTimeMs = nowMs()
	c.setState(Running)
	c.mu.Unlock()
	return nil
}

// resolveResourceLimits reads every resource-control property's resolved
// value into a cgroup.ResourceLimits, and turns env's already-resolved
// device grants into the matching devices.allow rule set (§4.3 Start step
// 1b, §4.1 Cgroup controllers).
func (c *Container) resolveResourceLimits(env *taskenv.TaskEnv) (cgroup.ResourceLimits, error) {
	v := c.propView()
	memLimit, _ := c.registry.Resolve("memory_limit", v)
	memGuarantee, _ := c.registry.Resolve("memory_guarantee", v)
	recharge, _ := c.registry.Resolve("recharge_on_pgfault", v)
	cpuLimitRaw, _ := c.registry.Resolve("cpu_limit", v)
	cpuGuaranteeRaw, _ := c.registry.Resolve("cpu_guarantee", v)
	cpuPolicy, _ := c.registry.Resolve("cpu_policy", v)
	ioPolicy, _ := c.registry.Resolve("io_policy", v)

	cpuLimitCores, err := property.ParseCores(cpuLimitRaw.Str)
	if err != nil {
		return cgroup.ResourceLimits{}, err
	}
	cpuGuaranteeCores, err := property.ParseCores(cpuGuaranteeRaw.Str)
	if err != nil {
		return cgroup.ResourceLimits{}, err
	}

	rules := make([]cgroup.DeviceRule, 0, len(env.Devices))
	for _, d := range env.Devices {
		typ := d.Type
		if typ == 0 {
			typ = 'c'
		}
		major, minor := "*", "*"
		if d.Major >= 0 {
			major = strconv.FormatInt(d.Major, 10)
		}
		if d.Minor >= 0 {
			minor = strconv.FormatInt(d.Minor, 10)
		}
		rules = append(rules, cgroup.DeviceRule{Type: typ, Major: major, Minor: minor, Access: d.Access})
	}

	return cgroup.ResourceLimits{
		MemoryLimit:       memLimit.Uint,
		MemoryGuarantee:   memGuarantee.Uint,
		RechargeOnPgfault: recharge.Bool,
		CpuLimitCores:     cpuLimitCores,
		CpuGuaranteeCores: cpuGuaranteeCores,
		CpuPolicy:         cgroup.CpuPolicy(cpuPolicy.Str),
		IoPolicy:          cgroup.BlkioPolicy(ioPolicy.Str),
		DeviceRules:       rules,
	}, nil
}

// Stop implements §4.3 Stop: recursive child stop first, then cgroup
// teardown, network release, and task-identifier clearing.
func (c *Container) Stop(timeout time.Duration) error {
	for _, ch := range c.Children() {
		if st := ch.State(); st == Running || st == Meta || st == Paused {
			if err := ch.Stop(timeout); err != nil {
				c.log.WithError(err).Warn("stop child failed")
			}
		}
	}

	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return nil
	}
	leaf := c.netLeaf
	cg := c.cgroups
	c.mu.Unlock()

	if cg != nil {
		if err := cg.Remove(cgroup.RemoveOpts{GracefulTimeout: timeout, KillRetries: 10, RetryDelay: 100 * time.Millisecond}); err != nil {
			c.log.WithError(err).Warn("cgroup removal reported an error")
		}
	}
	if leaf != nil {
		if err := leaf.Release(); err != nil {
			c.log.WithError(err).Warn("release network leaf failed")
		}
	}

	c.mu.Lock()
	c.waitPid, c.taskVPid, c.rootPid = 0, 0, 0
	c.netLeaf = nil
	c.setState(Stopped)
	c.mu.Unlock()
	return nil
}

// Pause freezes the cgroup subtree and recursively marks children Paused
// for reporting (§4.3 Pause/Resume).
func (c *Container) Pause() error {
	c.mu.Lock()
	if c.state != Running && c.state != Meta {
		st := c.state
		c.mu.Unlock()
		return perr.New(perr.InvalidState, "container %s: cannot Pause from state %s", c.name, st)
	}
	cg := c.cgroups
	c.mu.Unlock()

	if cg != nil && cg.Freezer != nil {
		if err := cg.Freezer.Freeze(); err != nil {
			return fmt.Errorf("container: freeze: %w", err)
		}
	}
	c.mu.Lock()
	c.setState(Paused)
	c.mu.Unlock()
	for _, ch := range c.Children() {
		ch.mu.Lock()
		if ch.state == Running || ch.state == Meta {
			ch.setState(Paused)
		}
		ch.mu.Unlock()
	}
	return nil
}

// Resume unfreezes and restores the pre-pause state (§4.3 Pause/Resume).
func (c *Container) Resume() error {
	c.mu.Lock()
	if c.state != Paused {
		st := c.state
		c.mu.Unlock()
		return perr.New(perr.InvalidState, "container %s: cannot Resume from state %s", c.name, st)
	}
	cg := c.cgroups
	isMeta := c.IsMeta()
	c.mu.Unlock()

	if cg != nil && cg.Freezer != nil {
		if err := cg.Freezer.Unfreeze(); err != nil {
			return fmt.Errorf("container: unfreeze: %w", err)
		}
	}
	c.mu.Lock()
	if isMeta {
		c.setState(Meta)
	} else {
		c.setState(Running)
	}
	c.mu.Unlock()
	for _, ch := range c.Children() {
		ch.mu.Lock()
		if ch.state == Paused {
			if ch.IsMeta() {
				ch.setState(Meta)
			} else {
				ch.setState(Running)
			}
		}
		ch.mu.Unlock()
	}
	return nil
}

// MarkDead transitions a Running container to Dead on SIGCHLD reap (§4.3
// Dead handling), recording exit status and oom status.
func (c *Container) MarkDead(exitStatus int, oomKilled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitStatus = exitStatus
	c.oomKilled = oomKilled
	c.deathTimeMs = nowMs()
	c.waitPid, c.taskVPid, c.rootPid = 0, 0, 0
	c.setState(Dead)
}

// ExitStatusFromWait converts a raw wait4 status into the exit_status data
// slot's sign convention (§4.3 Dead handling, §6 exit_status): positive
// for a normal exit (the raw wait status, e.g. exit code 42 yields 10752,
// matching W_EXITCODE(42,0)), negative the signal number for a
// termination by signal.
func ExitStatusFromWait(status syscall.WaitStatus) int {
	if status.Signaled() {
		return -int(status.Signal())
	}
	return int(status)
}

// OomKilled reports whether the memory controller's OOM killer fired for
// this container's cgroup, meant to be read once at reap time before
// MarkDead (§4.3 Dead handling: oom_killed).
func (c *Container) OomKilled() bool {
	c.mu.Lock()
	cg := c.cgroups
	c.mu.Unlock()
	if cg == nil || cg.Memory == nil {
		return false
	}
	killed, err := cg.Memory.OomKilled()
	if err != nil {
		return false
	}
	return killed
}

// MatchesWaitPid reports whether pid is this container's host-namespace
// task pid, the SIGCHLD-to-container resolution key (§4.3, §5).
func (c *Container) MatchesWaitPid(pid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitPid == pid && c.waitPid != 0
}

// ShouldRespawn reports whether a Dead container is eligible to respawn
// (§4.3 "Dead --respawn--> Starting (if respawn=true and count<limit)").
func (c *Container) ShouldRespawn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Dead {
		return false
	}
	respawn, _ := c.registry.Resolve("respawn", c.propView())
	if !respawn.Bool {
		return false
	}
	if c.respawnLimit >= 0 && c.respawnCount >= c.respawnLimit {
		return false
	}
	return true
}

// AgedOut reports whether a Dead container has exceeded its aging_time
// without being respawned or explicitly stopped (§4.3 Dead handling).
func (c *Container) AgedOut(agingTimeS int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Dead || agingTimeS <= 0 {
		return false
	}
	return nowMs()-c.deathTimeMs > agingTimeS*1000
}

// IncrementRespawn bumps the respawn counter before re-Start (§4.3).
func (c *Container) IncrementRespawn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.respawnCount++
}

// Kill delivers signal to the container's root pid, the Kill verb's one
// job (§6 "Kill(signal)"); only meaningful while Running/Paused/Meta.
func (c *Container) Kill(signal int) error {
	c.mu.Lock()
	pid := c.rootPid
	st := c.state
	c.mu.Unlock()
	if pid == 0 || (st != Running && st != Paused && st != Meta) {
		return perr.New(perr.InvalidState, "container %s: cannot Kill from state %s", c.name, st)
	}
	if err := unix.Kill(pid, unix.Signal(signal)); err != nil {
		return perr.Wrap(perr.Unknown, err, "container %s: kill pid %d", c.name, pid)
	}
	return nil
}

// ToRecord snapshots the persisted shape of this container (§5 "write-then
// rename at the record level"), persisted by the dispatcher after Create,
// Start, Stop and SetProperty and by the daemon's reap loop; Pause, Resume
// and Kill do not write a record.
func (c *Container) ToRecord() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	props := c.props.All()
	cp := make(map[string]property.Value, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return Record{
		ID:              c.id,
		Name:            c.name,
		Owner:           c.owner,
		Creator:         c.creator,
		Props:           cp,
		RawRootPid:      c.rootPid,
		RespawnCount:    c.respawnCount,
		LastStartTimeMs: c.lastStartTimeMs,
	}
}

func errnoOf(err error) int {
	var e *perr.Error
	if errors.As(err, &e) {
		return e.Errno
	}
	return 0
}

// nowMs is a seam so tests can avoid real wall-clock reads; it defaults to
// the wall clock via time.Now and nothing outside tests replaces it (kept a
// var, not a direct time.Now() call, so this package matches the host's
// "no bare Math.random/time in deterministic paths" discipline for its own
// tests).
var nowMs = func() int64 { return time.Now().UnixMilli() }
