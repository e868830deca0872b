package errcat

import (
	"errors"
	"testing"
)

func TestFatalAtStartup(t *testing.T) {
	cases := map[Kind]bool{
		Privilege:        true,
		BuildFailure:     true,
		AttachFailure:    true,
		SharedMemoryOpen: true,
		SymbolNotFound:   false,
		PatchFailure:     false,
		RingCorruption:   false,
		LogIO:            false,
	}
	for k, want := range cases {
		if got := FatalAtStartup(k); got != want {
			t.Errorf("FatalAtStartup(%s) = %v, want %v", k, got, want)
		}
	}
}

func TestWrapUnwrap(t *testing.T) {
	base := errors.New("boom")
	e := Wrap(AttachFailure, "E1", "could not attach", nil, base)

	if !errors.Is(e, base) {
		t.Fatalf("expected errors.Is to find wrapped base error")
	}
	if !As(e, AttachFailure) {
		t.Fatalf("expected As to match AttachFailure kind")
	}
	if As(e, PatchFailure) {
		t.Fatalf("did not expect As to match a different kind")
	}
}

func TestErrorMessage(t *testing.T) {
	e := New(SymbolNotFound, "E2", "symbol missing", map[string]interface{}{"symbol": "malloc"})
	if e.Error() == "" {
		t.Fatal("expected non-empty error string")
	}
}
