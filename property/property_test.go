package property

import (
	"testing"

	"github.com/yandex/porto/internal/taskenv"
)

// fakeContainer is a minimal Container for exercising the registry without
// the container package (avoiding a cycle).
type fakeContainer struct {
	name   string
	state  State
	root   bool
	parent *fakeContainer
	props  map[string]Value
}

func (c *fakeContainer) Name() string  { return c.name }
func (c *fakeContainer) State() State  { return c.state }
func (c *fakeContainer) IsRoot() bool  { return c.root }
func (c *fakeContainer) Parent() Container {
	if c.parent == nil {
		return nil
	}
	return c.parent
}
func (c *fakeContainer) GetRaw(name string) (Value, bool) {
	v, ok := c.props[name]
	return v, ok
}

func TestRegistryResolveDefault(t *testing.T) {
	r := Default()
	c := &fakeContainer{name: "a", state: StateStopped, props: map[string]Value{}}
	v, err := r.Resolve("isolate", c)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !v.Bool {
		t.Fatalf("expected isolate default true")
	}
}

func TestRegistryParentDefault(t *testing.T) {
	r := Default()
	parent := &fakeContainer{name: "a", state: StateRunning, root: true, props: map[string]Value{"user": StringValue("alice")}}
	child := &fakeContainer{name: "a/b", state: StateStopped, parent: parent, props: map[string]Value{}}
	v, err := r.Resolve("user", child)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.Str != "alice" {
		t.Fatalf("user = %q, want inherited %q", v.Str, "alice")
	}
}

func TestCheckAccessUnknownProperty(t *testing.T) {
	r := Default()
	c := &fakeContainer{state: StateStopped}
	if _, err := r.CheckAccess("nonexistent", false, c, false); err == nil {
		t.Fatalf("expected unknown property to fail")
	}
}

func TestCheckAccessIllegalState(t *testing.T) {
	r := Default()
	c := &fakeContainer{state: StateRunning}
	if _, err := r.CheckAccess("root", true, c, false); err == nil {
		t.Fatalf("expected root to be immutable while Running")
	}
}

func TestCheckAccessDataIsReadOnly(t *testing.T) {
	r := Default()
	c := &fakeContainer{state: StateRunning}
	if _, err := r.CheckAccess("state", true, c, false); err == nil {
		t.Fatalf("expected write to data slot to fail")
	}
}

func TestCpuPolicyRejectsIdle(t *testing.T) {
	r := Default()
	d, _ := r.Get("cpu_policy")
	c := &fakeContainer{state: StateStopped}
	if err := d.Validate(c, StringValue("idle")); err == nil {
		t.Fatalf("expected cpu_policy=idle to be rejected")
	}
	if err := d.Validate(c, StringValue("normal")); err != nil {
		t.Fatalf("normal should be accepted: %v", err)
	}
}

func TestApplyTaskEnv(t *testing.T) {
	r := Default()
	c := &fakeContainer{
		state: StateStopped,
		props: map[string]Value{
			"command":  StringValue("sleep 1000"),
			"isolate":  BoolValue(true),
			"hostname": StringValue("box"),
		},
	}
	var env taskenv.TaskEnv
	if err := r.ApplyTaskEnv(c, &env); err != nil {
		t.Fatalf("ApplyTaskEnv: %v", err)
	}
	if len(env.Command) != 2 || env.Command[0] != "sleep" || env.Command[1] != "1000" {
		t.Fatalf("Command = %v", env.Command)
	}
	if !env.Isolate {
		t.Fatalf("expected Isolate true")
	}
	if env.Hostname != "box" {
		t.Fatalf("Hostname = %q", env.Hostname)
	}
}

func TestParseRoundTripsMarshal(t *testing.T) {
	cases := []Value{
		StringValue("sleep 1000"),
		IntValue(-42),
		UintValue(16777216),
		BoolValue(true),
		StringListValue([]string{"a", "b", "c"}),
		{Kind: KindIntList, IntList: []int64{1, 2, 3}},
		{Kind: KindStringUintMap, StrUintMap: map[string]uint64{"eth0": 1000, "eth1": 2000}},
	}
	for _, v := range cases {
		raw := v.Marshal()
		got, err := Parse(v.Kind, raw)
		if err != nil {
			t.Fatalf("Parse(%v, %q): %v", v.Kind, raw, err)
		}
		if got.Marshal() != raw {
			t.Fatalf("round trip mismatch: got %q, want %q", got.Marshal(), raw)
		}
	}
}

func TestParseRejectsMalformedInt(t *testing.T) {
	if _, err := Parse(KindInt, "not-a-number"); err == nil {
		t.Fatalf("expected malformed int to fail")
	}
}

func TestRegistryParseForUnknownProperty(t *testing.T) {
	r := Default()
	if _, err := r.ParseFor("nonexistent", "x"); err == nil {
		t.Fatalf("expected unknown property to fail")
	}
}

func TestRegistryParseForKnownProperty(t *testing.T) {
	r := Default()
	v, err := r.ParseFor("command", "sleep 1000")
	if err != nil {
		t.Fatalf("ParseFor: %v", err)
	}
	if v.Str != "sleep 1000" {
		t.Fatalf("got %q", v.Str)
	}
}

func TestParseSize(t *testing.T) {
	v, err := ParseSize("16Mi")
	if err != nil {
		t.Fatalf("ParseSize: %v", err)
	}
	if v != 16*1024*1024 {
		t.Fatalf("ParseSize(16Mi) = %d", v)
	}
	if _, err := ParseSize("not-a-size"); err == nil {
		t.Fatalf("expected invalid size to fail")
	}
}
