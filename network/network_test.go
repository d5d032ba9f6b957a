package network

import (
	"net"
	"testing"
)

func TestRateCeilForFallsBackToLineSpeed(t *testing.T) {
	n := New(nil, Config{}, true)
	dev := &Device{Name: "eth0", SpeedMbit: 1000}
	rate, ceil := n.rateCeilFor(dev)
	wantCeil := uint64(1000) * 1000 * 1000 / 8
	wantRate := wantCeil * 9 / 10
	if rate != wantRate || ceil != wantCeil {
		t.Fatalf("rateCeilFor() = (%d,%d), want (%d,%d)", rate, ceil, wantRate, wantCeil)
	}
}

func TestRateCeilForLongestPrefixMatch(t *testing.T) {
	cfg := Config{
		DeviceRateBps: map[string]uint64{"eth": 100, "eth0": 200},
		DeviceCeilBps: map[string]uint64{"eth": 500},
	}
	n := New(nil, cfg, true)
	dev := &Device{Name: "eth0", SpeedMbit: 1000}
	rate, ceil := n.rateCeilFor(dev)
	if rate != 200 {
		t.Fatalf("rate = %d, want 200 (longest prefix eth0)", rate)
	}
	if ceil != 500 {
		t.Fatalf("ceil = %d, want 500 (only eth matches)", ceil)
	}
}

func TestAllocateNATReleaseRoundTrip(t *testing.T) {
	n := New(nil, Config{}, true)
	v4Base := net.ParseIP("172.16.0.0")
	v6Base := net.ParseIP("fc00::")
	off, v4, v6, err := n.AllocateNAT(v4Base, v6Base)
	if err != nil {
		t.Fatal(err)
	}
	if off != 0 {
		t.Fatalf("first allocation offset = %d, want 0", off)
	}
	if v4.String() != "172.16.0.0" {
		t.Fatalf("v4 = %s, want 172.16.0.0", v4)
	}
	if v6.String() != "fc00::" {
		t.Fatalf("v6 = %s, want fc00::", v6)
	}
	n.ReleaseNAT(off)
	off2, _, _, err := n.AllocateNAT(v4Base, v6Base)
	if err != nil {
		t.Fatal(err)
	}
	if off2 != 0 {
		t.Fatalf("offset after release = %d, want 0 (reused)", off2)
	}
}

func TestAddOffsetV4Carries(t *testing.T) {
	got := addOffsetV4(net.ParseIP("172.16.0.250"), 10)
	if got.String() != "172.16.1.4" {
		t.Fatalf("addOffsetV4() = %s, want 172.16.1.4", got)
	}
}

func TestContains(t *testing.T) {
	if !contains([]string{"a", "b"}, "b") {
		t.Fatal("expected contains to find b")
	}
	if contains([]string{"a"}, "z") {
		t.Fatal("expected contains to not find z")
	}
}
