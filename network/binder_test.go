package network

import (
	"testing"

	"github.com/yandex/porto/nl"
)

func TestResolveParentMinorDefaultsToPortoRoot(t *testing.T) {
	if got := resolveParentMinor(0xffff); got != nl.HTBPortoRootClassMinor {
		t.Fatalf("resolveParentMinor(sentinel) = %d, want porto-root minor %d", got, nl.HTBPortoRootClassMinor)
	}
}

func TestResolveParentMinorPassesThroughExplicitParent(t *testing.T) {
	if got := resolveParentMinor(42); got != 42 {
		t.Fatalf("resolveParentMinor(42) = %d, want 42", got)
	}
}

func TestNewBinderImplementsContainerNetworkBinder(t *testing.T) {
	n := New(nil, Config{}, false)
	b := NewBinder(n)
	if b == nil {
		t.Fatalf("NewBinder returned nil")
	}
}
