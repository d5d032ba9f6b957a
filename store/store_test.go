package store

import (
	"path/filepath"
	"testing"

	"github.com/yandex/porto/container"
	"github.com/yandex/porto/internal/cred"
	"github.com/yandex/porto/property"
	"github.com/yandex/porto/volume"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadContainer(t *testing.T) {
	s := openTestStore(t)

	rec := container.Record{
		ID:    1,
		Name:  "a",
		Owner: cred.Cred{Uid: 1000, Gid: 1000},
		Props: map[string]property.Value{
			"command": property.StringValue("/bin/true"),
		},
		RawRootPid: 4242,
	}
	if err := s.SaveContainer(rec); err != nil {
		t.Fatalf("SaveContainer: %v", err)
	}

	loaded, err := s.LoadContainers()
	if err != nil {
		t.Fatalf("LoadContainers: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("got %d records, want 1", len(loaded))
	}
	if loaded[0].Name != "a" || loaded[0].RawRootPid != 4242 {
		t.Fatalf("record roundtrip mismatch: %+v", loaded[0])
	}
	if loaded[0].Props["command"].Str != "/bin/true" {
		t.Fatalf("props roundtrip mismatch: %+v", loaded[0].Props)
	}
}

func TestDeleteContainer(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveContainer(container.Record{ID: 1, Name: "a"}); err != nil {
		t.Fatalf("SaveContainer: %v", err)
	}
	if err := s.DeleteContainer("a"); err != nil {
		t.Fatalf("DeleteContainer: %v", err)
	}
	loaded, err := s.LoadContainers()
	if err != nil {
		t.Fatalf("LoadContainers: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("got %d records after delete, want 0", len(loaded))
	}
}

func TestSaveAndLoadVolume(t *testing.T) {
	s := openTestStore(t)

	v := &volume.Volume{
		ID:      7,
		Path:    "/place/porto_volumes/7",
		Backend: volume.BackendNative,
		Linked:  []string{"a", "b"},
		State:   volume.StateReady,
	}
	if err := s.SaveVolume(v); err != nil {
		t.Fatalf("SaveVolume: %v", err)
	}

	loaded, err := s.LoadVolumes()
	if err != nil {
		t.Fatalf("LoadVolumes: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("got %d volumes, want 1", len(loaded))
	}
	if loaded[0].Path != v.Path || loaded[0].Backend != v.Backend || len(loaded[0].Linked) != 2 {
		t.Fatalf("volume roundtrip mismatch: %+v", loaded[0])
	}
}

func TestDeleteVolume(t *testing.T) {
	s := openTestStore(t)

	v := &volume.Volume{ID: 3, Path: "/place/porto_volumes/3", Backend: volume.BackendPlain}
	if err := s.SaveVolume(v); err != nil {
		t.Fatalf("SaveVolume: %v", err)
	}
	if err := s.DeleteVolume(3); err != nil {
		t.Fatalf("DeleteVolume: %v", err)
	}
	loaded, err := s.LoadVolumes()
	if err != nil {
		t.Fatalf("LoadVolumes: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("got %d volumes after delete, want 0", len(loaded))
	}
}
