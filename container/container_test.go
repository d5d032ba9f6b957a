package container

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/yandex/porto/cgroup"
	"github.com/yandex/porto/internal/cred"
	"github.com/yandex/porto/internal/taskenv"
	"github.com/yandex/porto/property"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestHolder(t *testing.T) *Holder {
	t.Helper()
	return NewHolder(property.Default(), &cgroup.Registry{}, 64, 66, testLog())
}

type fakeLauncher struct {
	pid int
	err error
}

func (f *fakeLauncher) Launch(env *taskenv.TaskEnv, cg *cgroup.Set) (LaunchResult, error) {
	if f.err != nil {
		return LaunchResult{}, f.err
	}
	f.pid++
	return LaunchResult{WaitPid: f.pid, TaskVPid: f.pid, RootPid: f.pid}, nil
}

func TestCreateValidatesNameAndParent(t *testing.T) {
	h := newTestHolder(t)
	if _, err := h.Create("", cred.Cred{}, cred.Cred{}, false); err == nil {
		t.Fatalf("expected empty name to fail")
	}
	if _, err := h.Create("nonexistent/child", cred.Cred{}, cred.Cred{}, false); err == nil {
		t.Fatalf("expected missing parent to fail")
	}
	c, err := h.Create("a", cred.Cred{Uid: 1}, cred.Cred{Uid: 1}, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.State() != Stopped {
		t.Fatalf("new container should start Stopped, got %v", c.State())
	}
	if _, err := h.Create("a", cred.Cred{}, cred.Cred{}, false); err == nil {
		t.Fatalf("expected duplicate name to fail")
	}
}

func TestStartMetaContainer(t *testing.T) {
	h := newTestHolder(t)
	c, err := h.Create("a", cred.Cred{}, cred.Cred{}, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Start(&fakeLauncher{}, nil, 0, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != Meta {
		t.Fatalf("state = %v, want Meta (no command set)", c.State())
	}
}

func TestStartWithCommandRunsAndStops(t *testing.T) {
	h := newTestHolder(t)
	c, err := h.Create("a", cred.Cred{}, cred.Cred{}, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.SetProperty(h.registry, "command", property.StringValue("sleep 1000"), false, 0); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	launcher := &fakeLauncher{}
	if err := c.Start(launcher, nil, 0, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != Running {
		t.Fatalf("state = %v, want Running", c.State())
	}
	if c.RootPid() == 0 {
		t.Fatalf("expected nonzero RootPid after Start")
	}

	if err := c.Stop(0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != Stopped {
		t.Fatalf("state = %v, want Stopped", c.State())
	}
	if c.RootPid() != 0 {
		t.Fatalf("expected RootPid cleared after Stop")
	}
}

func TestStartFailurePreservesStoppedWithErrno(t *testing.T) {
	h := newTestHolder(t)
	c, err := h.Create("a", cred.Cred{}, cred.Cred{}, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.SetProperty(h.registry, "command", property.StringValue("sleep 1000"), false, 0); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	launchErr := &fakeLauncher{err: fakeLaunchError()}
	if err := c.Start(launchErr, nil, 0, 0, 0); err == nil {
		t.Fatalf("expected Start to fail")
	}
	if c.State() != Stopped {
		t.Fatalf("state = %v, want Stopped after failed Start", c.State())
	}
}

func fakeLaunchError() error {
	return &launchErr{"exec failed"}
}

type launchErr struct{ msg string }

func (e *launchErr) Error() string { return e.msg }

func TestPauseResume(t *testing.T) {
	h := newTestHolder(t)
	c, _ := h.Create("a", cred.Cred{}, cred.Cred{}, false)
	c.SetProperty(h.registry, "command", property.StringValue("sleep 1000"), false, 0)
	if err := c.Start(&fakeLauncher{}, nil, 0, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if c.State() != Paused {
		t.Fatalf("state = %v, want Paused", c.State())
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.State() != Running {
		t.Fatalf("state = %v, want Running", c.State())
	}
}

func TestDestroyRequiresStopped(t *testing.T) {
	h := newTestHolder(t)
	c, _ := h.Create("a", cred.Cred{}, cred.Cred{}, false)
	c.SetProperty(h.registry, "command", property.StringValue("sleep 1000"), false, 0)
	c.Start(&fakeLauncher{}, nil, 0, 0, 0)
	if err := h.Destroy(c, nil); err == nil {
		t.Fatalf("expected Destroy to fail while Running")
	}
	c.Stop(0)
	if err := h.Destroy(c, nil); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if h.Get("a") != nil {
		t.Fatalf("container still registered after Destroy")
	}
}

func TestDestroyRecursesIntoChildren(t *testing.T) {
	h := newTestHolder(t)
	h.Create("a", cred.Cred{}, cred.Cred{}, false)
	h.Create("a/b", cred.Cred{}, cred.Cred{}, false)
	h.Create("a/b/c", cred.Cred{}, cred.Cred{}, false)

	a := h.Get("a")
	if err := h.Destroy(a, nil); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	for _, name := range []string{"a", "a/b", "a/b/c"} {
		if h.Get(name) != nil {
			t.Fatalf("%s still registered after recursive Destroy", name)
		}
	}
}

func TestMatchWaitPidAndMarkDead(t *testing.T) {
	h := newTestHolder(t)
	c, _ := h.Create("a", cred.Cred{}, cred.Cred{}, false)
	c.SetProperty(h.registry, "command", property.StringValue("sleep 1000"), false, 0)
	launcher := &fakeLauncher{}
	c.Start(launcher, nil, 0, 0, 0)

	pid := c.RootPid()
	found := h.MatchWaitPid(pid)
	if found != c {
		t.Fatalf("MatchWaitPid did not find the container")
	}

	found.MarkDead(1, false)
	if found.State() != Dead {
		t.Fatalf("state = %v, want Dead", found.State())
	}
	if h.MatchWaitPid(pid) != nil {
		t.Fatalf("expected no match once task identifiers are cleared")
	}
}

func TestKillRequiresRunningState(t *testing.T) {
	h := newTestHolder(t)
	c, _ := h.Create("a", cred.Cred{}, cred.Cred{}, false)
	if err := c.Kill(15); err == nil {
		t.Fatalf("expected Kill on a Stopped container to fail")
	}
}

func TestKillSignalsRootPid(t *testing.T) {
	h := newTestHolder(t)
	c, _ := h.Create("a", cred.Cred{}, cred.Cred{}, false)
	c.SetProperty(h.registry, "command", property.StringValue("sleep 1000"), false, 0)
	// Report this test process's own pid so signal 0 (existence probe,
	// no actual delivery) is guaranteed permitted regardless of the uid
	// the test runs as.
	if err := c.Start(&selfPidLauncher{}, nil, 0, 0, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Kill(0); err != nil {
		t.Fatalf("Kill: %v", err)
	}
}

type selfPidLauncher struct{}

func (selfPidLauncher) Launch(env *taskenv.TaskEnv, cg *cgroup.Set) (LaunchResult, error) {
	pid := os.Getpid()
	return LaunchResult{WaitPid: pid, TaskVPid: pid, RootPid: pid}, nil
}

func TestToRecordSnapshotsProps(t *testing.T) {
	h := newTestHolder(t)
	c, _ := h.Create("a", cred.Cred{Uid: 7}, cred.Cred{Uid: 7}, false)
	c.SetProperty(h.registry, "command", property.StringValue("sleep 1000"), false, 0)

	rec := c.ToRecord()
	if rec.Name != "a" || rec.Owner.Uid != 7 {
		t.Fatalf("record identity mismatch: %+v", rec)
	}
	if rec.Props["command"].Str != "sleep 1000" {
		t.Fatalf("record props mismatch: %+v", rec.Props)
	}
}

func TestShouldRespawnHonorsLimit(t *testing.T) {
	h := newTestHolder(t)
	c, _ := h.Create("a", cred.Cred{}, cred.Cred{}, false)
	c.SetProperty(h.registry, "respawn", property.BoolValue(true), false, 0)
	c.respawnLimit = 1
	c.state = Dead
	if !c.ShouldRespawn() {
		t.Fatalf("expected respawn to be allowed before limit")
	}
	c.IncrementRespawn()
	if c.ShouldRespawn() {
		t.Fatalf("expected respawn to be denied at limit")
	}
}
