package quota

import (
	"testing"
)

func TestProjectIDFromInodeIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	a, err := projectIDFromInode(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := projectIDFromInode(dir)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("projectIDFromInode(%s) not stable: %d != %d", dir, a, b)
	}
	if a < 0x00010000 {
		t.Fatalf("projectIDFromInode() = %d, expected offset into reserved band", a)
	}
}

func TestNewControlRejectsUnsupportedFilesystem(t *testing.T) {
	// A tmpfs-backed TempDir (the common test sandbox) has no project-quota
	// support; NewControl must report ErrQuotaNotSupported rather than
	// silently succeeding.
	dir := t.TempDir()
	ctrl, err := NewControl(dir)
	if err == nil {
		t.Skip("backing filesystem unexpectedly supports project quota")
	}
	if ctrl != nil {
		t.Fatal("expected nil Control on error")
	}
}
