package idalloc

import "testing"

func TestGetReusesFreedIds(t *testing.T) {
	m := New(4)
	a, err := m.Get()
	if err != nil || a != 0 {
		t.Fatalf("Get() = %d, %v, want 0, nil", a, err)
	}
	b, _ := m.Get()
	if b != 1 {
		t.Fatalf("Get() = %d, want 1", b)
	}
	m.Put(a)
	c, _ := m.Get()
	if c != 0 {
		t.Fatalf("Get() after Put(0) = %d, want 0", c)
	}
}

func TestGetExhausted(t *testing.T) {
	m := New(2)
	if _, err := m.Get(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(); err == nil {
		t.Fatal("expected error on exhausted map")
	}
}

func TestGetAtRejectsCollision(t *testing.T) {
	m := New(8)
	if err := m.GetAt(3); err != nil {
		t.Fatal(err)
	}
	if err := m.GetAt(3); err == nil {
		t.Fatal("expected error on id collision")
	}
	if m.Used() != 1 {
		t.Fatalf("Used() = %d, want 1", m.Used())
	}
}
