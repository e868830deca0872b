package config

import "testing"

func TestValidateRejectsNonPositivePID(t *testing.T) {
	c := Default()
	c.PID = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero pid")
	}
}

func TestValidateAppliesHardMinimums(t *testing.T) {
	c := Default()
	c.PID = 1234
	c.RingCapacityRecords = 1
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.RingCapacityRecords != MinRingCapacityRecords {
		t.Fatalf("expected clamp to %d, got %d", MinRingCapacityRecords, c.RingCapacityRecords)
	}
}

func TestValidateClampsRingCapacityBytes(t *testing.T) {
	c := Default()
	c.PID = 1234
	c.RingCapacityBytes = 10
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.RingCapacityBytes != MinRingCapacityBytes {
		t.Fatalf("expected clamp to %d, got %d", MinRingCapacityBytes, c.RingCapacityBytes)
	}
}

func TestLivePrintEnabled(t *testing.T) {
	c := Default()
	if !c.LivePrintEnabled() {
		t.Fatal("expected live print enabled with no output file")
	}
	c.OutputFile = "log.txt"
	if c.LivePrintEnabled() {
		t.Fatal("expected live print disabled once output file is set")
	}
}

func TestValidateDefaultsInvalidEnums(t *testing.T) {
	c := Default()
	c.PID = 1
	c.BacktraceMethod = "bogus"
	c.TimestampMethod = "bogus"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.BacktraceMethod != BacktraceFast {
		t.Fatalf("expected fallback to fast, got %s", c.BacktraceMethod)
	}
	if c.TimestampMethod != TimestampMonotonic {
		t.Fatalf("expected fallback to monotonic, got %s", c.TimestampMethod)
	}
}
