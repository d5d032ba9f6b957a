package launch

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/yandex/porto/internal/perr"
	"github.com/yandex/porto/internal/taskenv"
)

func TestApplyRlimitsUnknownResourceRejected(t *testing.T) {
	env := &taskenv.TaskEnv{Ulimits: []taskenv.Ulimit{{Resource: "bogus", Soft: 1, Hard: 1}}}
	err := applyRlimits(env)
	if err == nil {
		t.Fatalf("expected unknown ulimit resource to fail")
	}
	if perr.KindOf(err) != perr.InvalidValue {
		t.Fatalf("kind = %v, want InvalidValue", perr.KindOf(err))
	}
}

func TestRlimitByNameCoversKnownResources(t *testing.T) {
	want := []string{"as", "core", "cpu", "data", "fsize", "locks", "memlock",
		"msgqueue", "nice", "nofile", "nproc", "rss", "rtprio", "rttime",
		"sigpending", "stack"}
	for _, name := range want {
		if _, ok := rlimitByName[name]; !ok {
			t.Fatalf("rlimitByName missing %q", name)
		}
	}
}

func TestMakeDevicesSkipsWildcard(t *testing.T) {
	env := &taskenv.TaskEnv{Devices: []taskenv.Device{{Path: "/dev/null", Access: "rwm", Major: -1}}}
	if err := makeDevices(env); err != nil {
		t.Fatalf("wildcard device grant should not attempt mknod: %v", err)
	}
}

func TestResolveCapSetRejectsUnknownName(t *testing.T) {
	if _, err := resolveCapSet([]string{"not_a_real_capability"}); err == nil {
		t.Fatalf("expected unknown capability name to fail")
	}
}

func TestUnixRlimitConstantsDistinct(t *testing.T) {
	if unix.RLIMIT_NOFILE == unix.RLIMIT_NPROC {
		t.Fatalf("sanity check: rlimit constants collapsed")
	}
}
