package wordexp

import "testing"

func TestSplitBasic(t *testing.T) {
	got, err := Split("sleep 1000")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []string{"sleep", "1000"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSplitQuoted(t *testing.T) {
	got, err := Split(`bash -c "exit 42"`)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []string{"bash", "-c", "exit 42"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitRejectsVariableExpansion(t *testing.T) {
	if _, err := Split("echo $HOME"); err == nil {
		t.Fatalf("expected $HOME to be rejected")
	}
}

func TestSplitRejectsCommandSubstitution(t *testing.T) {
	if _, err := Split("echo `whoami`"); err == nil {
		t.Fatalf("expected backtick substitution to be rejected")
	}
	if _, err := Split("echo $(whoami)"); err == nil {
		t.Fatalf("expected $() substitution to be rejected")
	}
}

func TestSplitRejectsMetacharacters(t *testing.T) {
	for _, cmd := range []string{"a | b", "a; b", "a && b", "a > b"} {
		if _, err := Split(cmd); err == nil {
			t.Fatalf("expected %q to be rejected", cmd)
		}
	}
}
