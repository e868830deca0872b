// Package config holds the configuration object the CLI flag parser
// produces and the orchestrator consumes. Nothing in this package parses
// flags; that is cmd/memhook/main.go's job, kept deliberately thin so
// this struct and its defaults/validation can be exercised without a
// process boundary.
package config

import (
	"fmt"
	"time"
)

// BacktraceMethod selects how the injected hook captures return addresses.
type BacktraceMethod string

const (
	BacktraceFast     BacktraceMethod = "fast"
	BacktracePlatform BacktraceMethod = "platform"
)

// TimestampMethod selects how the injected hook timestamps an event.
type TimestampMethod string

const (
	TimestampCycle     TimestampMethod = "cycle"
	TimestampMonotonic TimestampMethod = "monotonic"
	TimestampNone      TimestampMethod = "none"
)

// SizeRange is an inclusive [Min, Max] allocation-size filter.
type SizeRange struct {
	Min, Max uint64
}

// HookSpec names one function to redirect and the replacement symbol that
// should receive its calls. Replacement defaults to Function+"_hook" when
// left empty (see session.DefaultHooks).
type HookSpec struct {
	Function    string
	Replacement string
}

// Defaults and hard minimums.
const (
	DefaultRingCapacityRecords = 100000
	MinRingCapacityRecords     = 10
	MinRingCapacityBytes       = 256
	DefaultReportPeriod        = 5 * time.Second
	DefaultReadPeriod          = 0
	DefaultTimeWindow          = 32 * time.Second
)

// Config is the boundary the Orchestrator consumes, matching every option
// in the CLI surface.
type Config struct {
	PID int

	Hooks            []HookSpec
	FilterExactSizes []uint64
	FilterSizeRanges []SizeRange

	// RingCapacityBytes, when non-zero, takes precedence over
	// RingCapacityRecords
	RingCapacityRecords int
	RingCapacityBytes   int64

	ReportPeriod time.Duration
	ReadPeriod   time.Duration

	OutputFile string // log sink; non-empty suppresses live printing

	Graph      bool
	TimeWindow time.Duration

	BacktraceMethod BacktraceMethod
	TimestampMethod TimestampMethod

	// Render/build plumbing: where the hook library's templated source
	// lives, where to render it, and the build command to invoke.
	HookLibSourceDir string
	ScratchDir       string
	BuildProgram     string
	BuildArgs        []string

	// DebuggerProgram selects the external debugger (default "gdb").
	DebuggerProgram string

	// ShmName is the well-known shared-memory object name; the injected
	// library and the profiler must agree on it, so it flows through the
	// same Config that templates the hook.
	ShmName string

	Verbose bool
}

// Default returns a Config populated with every documented default.
func Default() Config {
	return Config{
		Hooks:               nil,
		RingCapacityRecords: DefaultRingCapacityRecords,
		ReportPeriod:        DefaultReportPeriod,
		ReadPeriod:          DefaultReadPeriod,
		TimeWindow:          DefaultTimeWindow,
		BacktraceMethod:     BacktraceFast,
		TimestampMethod:     TimestampMonotonic,
		BuildProgram:        "make",
		DebuggerProgram:     "gdb",
		ShmName:             "/memhook_ring",
	}
}

// Validate normalizes the config to its hard minimums and reports an
// error only for values that cannot be sanitized (a zero or negative
// PID — there is no sane default to fall back to).
func (c *Config) Validate() error {
	if c.PID <= 0 {
		return fmt.Errorf("config: pid must be positive, got %d", c.PID)
	}

	if c.RingCapacityBytes != 0 && c.RingCapacityBytes < MinRingCapacityBytes {
		c.RingCapacityBytes = MinRingCapacityBytes
	}
	if c.RingCapacityBytes == 0 && c.RingCapacityRecords < MinRingCapacityRecords {
		c.RingCapacityRecords = MinRingCapacityRecords
	}

	if c.ReportPeriod < 0 {
		c.ReportPeriod = DefaultReportPeriod
	}
	if c.ReadPeriod < 0 {
		c.ReadPeriod = DefaultReadPeriod
	}

	switch c.BacktraceMethod {
	case BacktraceFast, BacktracePlatform:
	default:
		c.BacktraceMethod = BacktraceFast
	}

	switch c.TimestampMethod {
	case TimestampCycle, TimestampMonotonic, TimestampNone:
	default:
		c.TimestampMethod = TimestampMonotonic
	}

	if c.BuildProgram == "" {
		c.BuildProgram = "make"
	}
	if c.DebuggerProgram == "" {
		c.DebuggerProgram = "gdb"
	}
	if c.ShmName == "" {
		c.ShmName = "/memhook_ring"
	}

	// Logs and live prints are mutually exclusive:
	// when an output file is set, report printing moves to the log path
	// only; the orchestrator reads this field to decide whether to start
	// the periodic stdout report timer.
	return nil
}

// LivePrintEnabled reports whether the orchestrator should start the
// periodic stdout report timer (mutually exclusive with log output).
func (c Config) LivePrintEnabled() bool { return c.OutputFile == "" }
