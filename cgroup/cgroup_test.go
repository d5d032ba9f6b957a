package cgroup

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestMount(t *testing.T) *Mount {
	t.Helper()
	root := t.TempDir()
	return &Mount{Root: root, Controllers: []string{"memory"}, Subtree: "porto"}
}

func TestCgroupCreateIsIdempotent(t *testing.T) {
	m := newTestMount(t)
	c := New(m, "a/b")
	if err := c.Create(); err != nil {
		t.Fatal(err)
	}
	if err := c.Create(); err != nil {
		t.Fatalf("second Create() should be idempotent: %v", err)
	}
	if !c.Exists() {
		t.Fatal("expected cgroup directory to exist")
	}
}

func TestWriteReadKnob(t *testing.T) {
	m := newTestMount(t)
	c := New(m, "a")
	if err := c.Create(); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteKnob("memory.limit_in_bytes", "1048576"); err != nil {
		t.Fatal(err)
	}
	got, err := c.ReadKnob("memory.limit_in_bytes")
	if err != nil {
		t.Fatal(err)
	}
	if got != "1048576" {
		t.Fatalf("ReadKnob() = %q, want 1048576", got)
	}
}

func TestMemorySetLimitPropagatesToMemsw(t *testing.T) {
	m := newTestMount(t)
	mem := NewMemory(m, "a")
	if err := mem.Create(); err != nil {
		t.Fatal(err)
	}
	// Simulate a kernel that exposes memsw by pre-creating the knob file.
	if err := os.WriteFile(filepath.Join(mem.Path(), "memory.memsw.limit_in_bytes"), []byte("0"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mem.Path(), "memory.limit_in_bytes"), []byte("0"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := mem.SetLimit(16 << 20); err != nil {
		t.Fatal(err)
	}
	got, err := mem.ReadKnob("memory.memsw.limit_in_bytes")
	if err != nil {
		t.Fatal(err)
	}
	if got != "16777216" {
		t.Fatalf("memsw limit = %q, want 16777216", got)
	}
}

func TestMemorySetGuaranteeNoopWithoutLowLimitKnob(t *testing.T) {
	m := newTestMount(t)
	mem := NewMemory(m, "a")
	if err := mem.Create(); err != nil {
		t.Fatal(err)
	}
	if err := mem.SetGuarantee(1024); err != nil {
		t.Fatalf("SetGuarantee should be a no-op without the knob: %v", err)
	}
}

func TestCpuSetPolicyRejectsIdle(t *testing.T) {
	m := newTestMount(t)
	c := NewCpu(m, "a", 0)
	if err := c.Create(); err != nil {
		t.Fatal(err)
	}
	if err := c.SetPolicy(PolicyIdle); err == nil {
		t.Fatal("expected idle policy to be rejected")
	}
}

func TestCpuSetLimitComputesQuota(t *testing.T) {
	m := newTestMount(t)
	c := NewCpu(m, "a", 100000)
	if err := c.Create(); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLimit(50); err != nil {
		t.Fatal(err)
	}
	got, err := c.ReadKnob("cpu.cfs_quota_us")
	if err != nil {
		t.Fatal(err)
	}
	if got != "50000" {
		t.Fatalf("cfs_quota_us = %q, want 50000", got)
	}
}

func TestDevicesAllowSkipsUnchangedRuleSet(t *testing.T) {
	m := newTestMount(t)
	d := NewDevices(m, "a")
	if err := d.Create(); err != nil {
		t.Fatal(err)
	}
	rules := []DeviceRule{{Type: 'c', Major: "1", Minor: "3", Access: "rwm"}}
	if err := d.Allow(rules); err != nil {
		t.Fatal(err)
	}
	// Remove the knob files to prove a second identical call is a true no-op.
	os.Remove(filepath.Join(d.Path(), "devices.deny"))
	os.Remove(filepath.Join(d.Path(), "devices.allow"))
	if err := d.Allow(rules); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(d.Path(), "devices.deny")); !os.IsNotExist(err) {
		t.Fatal("expected no write on unchanged rule set")
	}
}

func TestParseDeviceRule(t *testing.T) {
	r, err := ParseRule("c 1:3 rwm")
	if err != nil {
		t.Fatal(err)
	}
	want := DeviceRule{Type: 'c', Major: "1", Minor: "3", Access: "rwm"}
	if r != want {
		t.Fatalf("ParseRule() = %+v, want %+v", r, want)
	}
	if _, err := ParseRule("garbage"); err == nil {
		t.Fatal("expected error for malformed rule")
	}
}
