package volume

import (
	"testing"

	"github.com/yandex/porto/internal/cred"
)

func TestPickBackend(t *testing.T) {
	cases := []struct {
		name                                    string
		explicit                                Backend
		hasLayers, quotaAvailable, hasSpaceLimit bool
		want                                    Backend
	}{
		{"explicit wins", BackendPlain, true, true, true, BackendPlain},
		{"layers imply overlay", "", true, true, true, BackendOverlay},
		{"quota without layers", "", false, true, true, BackendNative},
		{"space limit only", "", false, false, true, BackendLoop},
		{"nothing set", "", false, false, false, BackendPlain},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := PickBackend(c.explicit, c.hasLayers, c.quotaAvailable, c.hasSpaceLimit)
			if got != c.want {
				t.Fatalf("PickBackend() = %q, want %q", got, c.want)
			}
		})
	}
}

type fakeDriver struct {
	configured, built, destroyed bool
	failBuild                    bool
}

func (d *fakeDriver) Configure(v *Volume) error { d.configured = true; return nil }
func (d *fakeDriver) Build(v *Volume) error {
	d.built = true
	if d.failBuild {
		return errNotSupported("fake", "build")
	}
	return nil
}
func (d *fakeDriver) Destroy(v *Volume) error             { d.destroyed = true; return nil }
func (d *fakeDriver) Resize(v *Volume, s, i uint64) error { return nil }

func TestHolderCreateDestroy(t *testing.T) {
	drv := &fakeDriver{}
	h := NewHolder(map[Backend]Driver{BackendPlain: drv}, 8)

	v := &Volume{Path: "/place/vol1", Backend: BackendPlain}
	if err := h.Create(v); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !drv.configured || !drv.built {
		t.Fatalf("expected Configure and Build to run")
	}
	if v.State != StateReady {
		t.Fatalf("state = %v, want Ready", v.State)
	}
	if got := h.Get("/place/vol1"); got != v {
		t.Fatalf("Get did not return the created volume")
	}

	if err := h.Create(&Volume{Path: "/place/vol1", Backend: BackendPlain}); err == nil {
		t.Fatalf("expected duplicate Create to fail")
	}

	if err := h.Destroy(v); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !drv.destroyed {
		t.Fatalf("expected Destroy to call the driver")
	}
	if h.Get("/place/vol1") != nil {
		t.Fatalf("volume still registered after Destroy")
	}
}

func TestHolderCreateRollsBackOnBuildFailure(t *testing.T) {
	drv := &fakeDriver{failBuild: true}
	h := NewHolder(map[Backend]Driver{BackendPlain: drv}, 8)

	v := &Volume{Path: "/place/vol2", Backend: BackendPlain}
	if err := h.Create(v); err == nil {
		t.Fatalf("expected Create to fail")
	}
	if h.Get("/place/vol2") != nil {
		t.Fatalf("volume should not remain registered after failed Create")
	}
	if h.ids.Used() != 0 {
		t.Fatalf("id was not released on rollback")
	}
}

func TestVolumeLinkUnlink(t *testing.T) {
	v := &Volume{Path: "/place/vol3"}
	if first := v.LinkContainer("a"); !first {
		t.Fatalf("expected first link")
	}
	if first := v.LinkContainer("b"); first {
		t.Fatalf("second link should not report first")
	}
	if v.LinkContainer("a") {
		t.Fatalf("relinking the same container should not report first again")
	}
	if last := v.UnlinkContainer("a"); last {
		t.Fatalf("unlinking one of two owners should not be last")
	}
	if last := v.UnlinkContainer("b"); !last {
		t.Fatalf("unlinking the final owner should report last")
	}
}

func TestVolumeCheckPermission(t *testing.T) {
	v := &Volume{Path: "/place/vol4", Cred: cred.Cred{Uid: 1000}}
	owner := cred.Cred{Uid: 1000}
	stranger := cred.Cred{Uid: 2000}
	root := cred.Cred{Uid: 0}

	if err := v.CheckPermission(owner, nil); err != nil {
		t.Fatalf("owner should be permitted: %v", err)
	}
	if err := v.CheckPermission(root, nil); err != nil {
		t.Fatalf("root should be permitted: %v", err)
	}
	if err := v.CheckPermission(stranger, nil); err == nil {
		t.Fatalf("stranger should be rejected")
	}
}

func TestValidateLayerName(t *testing.T) {
	if err := ValidateLayerName("ubuntu-20.04_base"); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	for _, bad := range []string{"", "../etc", "a/b", "x y"} {
		if err := ValidateLayerName(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestLayerStoreRefCounting(t *testing.T) {
	s := NewLayerStore(t.TempDir())
	s.Ref("base")
	if !s.InUse("base") {
		t.Fatalf("expected base to be in use after Ref")
	}
	if err := s.Remove("base"); err == nil {
		t.Fatalf("expected Remove to fail while in use")
	}
	s.Unref("base")
	if s.InUse("base") {
		t.Fatalf("expected base to be free after Unref")
	}
}
