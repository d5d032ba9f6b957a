package launch

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/yandex/porto/internal/taskenv"
)

func TestNamespaceFlagsNotIsolated(t *testing.T) {
	if got := namespaceFlags(&taskenv.TaskEnv{Isolate: false}); got != 0 {
		t.Fatalf("expected no clone flags when not isolated, got %#x", got)
	}
}

func TestNamespaceFlagsAppMode(t *testing.T) {
	got := namespaceFlags(&taskenv.TaskEnv{Isolate: true, VirtMode: "app"})
	want := uintptr(unix.CLONE_NEWNS | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWPID)
	if got != want {
		t.Fatalf("app mode flags = %#x, want %#x", got, want)
	}
	if got&unix.CLONE_NEWNET != 0 {
		t.Fatalf("app mode should not request a new net namespace")
	}
}

func TestNamespaceFlagsOsMode(t *testing.T) {
	got := namespaceFlags(&taskenv.TaskEnv{Isolate: true, VirtMode: "os"})
	if got&unix.CLONE_NEWNET == 0 {
		t.Fatalf("os virt_mode should request a new net namespace")
	}
}

func TestParseNStgid(t *testing.T) {
	status := "Name:\tsleep\nPid:\t4242\nNStgid:\t4242\t1\n"
	got, err := parseNStgid(status)
	if err != nil {
		t.Fatalf("parseNStgid: %v", err)
	}
	if got != 1 {
		t.Fatalf("got %d, want 1 (innermost namespace pid)", got)
	}
}

func TestParseNStgidMissing(t *testing.T) {
	if _, err := parseNStgid("Name:\tsleep\nPid:\t4242\n"); err == nil {
		t.Fatalf("expected an error when NStgid is absent")
	}
}
