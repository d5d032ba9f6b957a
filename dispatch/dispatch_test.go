package dispatch

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/yandex/porto/cgroup"
	"github.com/yandex/porto/container"
	"github.com/yandex/porto/internal/cred"
	"github.com/yandex/porto/internal/taskenv"
	"github.com/yandex/porto/property"
	"github.com/yandex/porto/protocol"
	"github.com/yandex/porto/volume"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// selfStartLauncher reports the test process's own pid so Start succeeds
// without actually forking a task.
type selfStartLauncher struct{}

func (selfStartLauncher) Launch(env *taskenv.TaskEnv, cg *cgroup.Set) (container.LaunchResult, error) {
	pid := os.Getpid()
	return container.LaunchResult{WaitPid: pid, TaskVPid: pid, RootPid: pid}, nil
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	holder := container.NewHolder(property.Default(), &cgroup.Registry{}, 64, 66, testLog())
	volumes := volume.NewHolder(map[volume.Backend]volume.Driver{}, 16)
	layers := volume.NewLayerStore(t.TempDir())
	return New(holder, property.Default(), volumes, layers, nil, nil, selfStartLauncher{}, Config{
		SuperuserGroups:        []string{"porto"},
		ContainerStopTimeoutS:  1,
		TotalMemory:            0,
		MemoryGuaranteeReserve: 0,
	}, testLog())
}

func TestCreateAndDestroy(t *testing.T) {
	d := newTestDispatcher(t)
	caller := cred.Cred{Uid: 1, Gid: 1}

	resp := d.Handle(protocol.Request{Verb: protocol.VerbCreate, Name: "a"}, caller)
	if resp.Kind != 0 {
		t.Fatalf("Create failed: %+v", resp)
	}

	resp = d.Handle(protocol.Request{Verb: protocol.VerbCreate, Name: "a"}, caller)
	if resp.Kind == 0 {
		t.Fatalf("expected duplicate Create to fail")
	}

	resp = d.Handle(protocol.Request{Verb: protocol.VerbDestroy, Name: "a"}, caller)
	if resp.Kind != 0 {
		t.Fatalf("Destroy failed: %+v", resp)
	}
}

func TestSetAndGetProperty(t *testing.T) {
	d := newTestDispatcher(t)
	caller := cred.Cred{Uid: 1, Gid: 1}
	d.Handle(protocol.Request{Verb: protocol.VerbCreate, Name: "a"}, caller)

	resp := d.Handle(protocol.Request{Verb: protocol.VerbSetProperty, Name: "a", Property: "command", Value: "sleep 1000"}, caller)
	if resp.Kind != 0 {
		t.Fatalf("SetProperty failed: %+v", resp)
	}

	resp = d.Handle(protocol.Request{Verb: protocol.VerbGetProperty, Name: "a", Property: "command"}, caller)
	if resp.Kind != 0 || resp.Value != "sleep 1000" {
		t.Fatalf("GetProperty = %+v", resp)
	}
}

func TestStartAndStopViaDispatcher(t *testing.T) {
	d := newTestDispatcher(t)
	caller := cred.Cred{Uid: 1, Gid: 1}
	d.Handle(protocol.Request{Verb: protocol.VerbCreate, Name: "a"}, caller)
	d.Handle(protocol.Request{Verb: protocol.VerbSetProperty, Name: "a", Property: "command", Value: "sleep 1000"}, caller)

	resp := d.Handle(protocol.Request{Verb: protocol.VerbStart, Name: "a"}, caller)
	if resp.Kind != 0 {
		t.Fatalf("Start failed: %+v", resp)
	}

	resp = d.Handle(protocol.Request{Verb: protocol.VerbGetData, Name: "a", Data: "state"}, caller)
	if resp.Value != "running" {
		t.Fatalf("state after Start = %q", resp.Value)
	}

	resp = d.Handle(protocol.Request{Verb: protocol.VerbStop, Name: "a"}, caller)
	if resp.Kind != 0 {
		t.Fatalf("Stop failed: %+v", resp)
	}
}

func TestGetMultiCrossesNamesAndProperties(t *testing.T) {
	d := newTestDispatcher(t)
	caller := cred.Cred{Uid: 1, Gid: 1}
	d.Handle(protocol.Request{Verb: protocol.VerbCreate, Name: "a"}, caller)
	d.Handle(protocol.Request{Verb: protocol.VerbSetProperty, Name: "a", Property: "command", Value: "sleep 1000"}, caller)

	resp := d.Handle(protocol.Request{Verb: protocol.VerbGet, Names: []string{"a"}, Properties: []string{"command"}}, caller)
	if resp.Props["a.command"] != "sleep 1000" {
		t.Fatalf("Get multi = %+v", resp.Props)
	}
}

func TestListAndPlist(t *testing.T) {
	d := newTestDispatcher(t)
	caller := cred.Cred{Uid: 1, Gid: 1}
	d.Handle(protocol.Request{Verb: protocol.VerbCreate, Name: "a"}, caller)

	resp := d.Handle(protocol.Request{Verb: protocol.VerbList}, caller)
	if len(resp.List) != 1 || resp.List[0] != "a" {
		t.Fatalf("List = %v", resp.List)
	}

	resp = d.Handle(protocol.Request{Verb: protocol.VerbPlist}, caller)
	if len(resp.List) == 0 {
		t.Fatalf("expected a non-empty property list")
	}
}

func TestUnknownVerb(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(protocol.Request{Verb: "Bogus"}, cred.Cred{})
	if resp.Kind == 0 {
		t.Fatalf("expected unknown verb to fail")
	}
}

func TestWaitTimesOutWhenNoMatchingContainer(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(protocol.Request{Verb: protocol.VerbWait, Names: []string{"nonexistent"}, WaitTimeoutMs: 10}, cred.Cred{})
	if resp.WaitName != "" {
		t.Fatalf("expected empty WaitName on timeout, got %q", resp.WaitName)
	}
}

func TestMatchesAnyGlob(t *testing.T) {
	if !matchesAny([]string{"a/*"}, "a/b") {
		t.Fatalf("expected glob a/* to match a/b")
	}
	if matchesAny([]string{"a/*"}, "c/b") {
		t.Fatalf("expected glob a/* not to match c/b")
	}
}
