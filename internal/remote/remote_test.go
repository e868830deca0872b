package remote

import "testing"

func TestAddressRegexExtractsHexFromPrintOutput(t *testing.T) {
	out := "$1 = (void *) 0x7f1234abcd00 <malloc>"
	m := addressRe.FindStringSubmatch(out)
	if m == nil {
		t.Fatal("expected a match")
	}
	if m[1] != "7f1234abcd00" {
		t.Fatalf("got %q, want 7f1234abcd00", m[1])
	}
}

func TestNewDefaultsProgramToGdb(t *testing.T) {
	c := New("")
	if c.Program != "gdb" {
		t.Fatalf("Program = %q, want gdb", c.Program)
	}
}
