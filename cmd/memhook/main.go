package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/segfaultlabs/memhook/internal/config"
	"github.com/segfaultlabs/memhook/internal/orchestrator"
)

func main() {
	cfg := config.Default()

	var (
		pid              int
		hookList         string
		exactSizes       string
		sizeRanges       string
		ringRecords      int
		ringBytes        int64
		reportPeriod     time.Duration
		outputFile       string
		graph            bool
		timeWindow       time.Duration
		backtraceMethod  string
		timestampMethod  string
		hookLibSourceDir string
		scratchDir       string
		buildProgram     string
		debuggerProgram  string
		shmName          string
		verbose          bool
	)

	flag.IntVar(&pid, "pid", 0, "target process id to attach to")
	flag.StringVar(&hookList, "hooks", "", "comma-separated function:replacement pairs (default: malloc/free/operator new/delete)")
	flag.StringVar(&exactSizes, "filter-size", "", "comma-separated exact allocation sizes to record exclusively")
	flag.StringVar(&sizeRanges, "filter-size-range", "", "comma-separated min-max allocation size ranges to record exclusively")
	flag.IntVar(&ringRecords, "ring-records", cfg.RingCapacityRecords, "shared-memory ring capacity in records")
	flag.Int64Var(&ringBytes, "ring-bytes", 0, "shared-memory ring capacity in bytes (overrides -ring-records)")
	flag.DurationVar(&reportPeriod, "report-period", cfg.ReportPeriod, "interval between stdout call-site reports")
	flag.StringVar(&outputFile, "output", "", "write a timestamped event log here instead of live stdout reports")
	flag.BoolVar(&graph, "graph", false, "serve a live timeline of cumulative live bytes over HTTP")
	flag.DurationVar(&timeWindow, "time-window", cfg.TimeWindow, "visible span of the timeline graph")
	flag.StringVar(&backtraceMethod, "backtrace", string(cfg.BacktraceMethod), "backtrace capture method (fast|platform)")
	flag.StringVar(&timestampMethod, "timestamp", string(cfg.TimestampMethod), "event timestamp method (cycle|monotonic|none)")
	flag.StringVar(&hookLibSourceDir, "hooklib-src", "assets/hooklib", "template source directory for the injected hook library")
	flag.StringVar(&scratchDir, "scratch", "", "build scratch directory (default: a temp dir)")
	flag.StringVar(&buildProgram, "build", cfg.BuildProgram, "build command for the hook library")
	flag.StringVar(&debuggerProgram, "debugger", cfg.DebuggerProgram, "external debugger used to patch the target (gdb|lldb)")
	flag.StringVar(&shmName, "shm-name", cfg.ShmName, "shared-memory object name shared with the injected hook library")
	flag.BoolVar(&verbose, "v", false, "verbose diagnostics")
	flag.Parse()

	cfg.PID = pid
	cfg.RingCapacityRecords = ringRecords
	cfg.RingCapacityBytes = ringBytes
	cfg.ReportPeriod = reportPeriod
	cfg.OutputFile = outputFile
	cfg.Graph = graph
	cfg.TimeWindow = timeWindow
	cfg.BacktraceMethod = config.BacktraceMethod(backtraceMethod)
	cfg.TimestampMethod = config.TimestampMethod(timestampMethod)
	cfg.HookLibSourceDir = hookLibSourceDir
	cfg.ScratchDir = scratchDir
	cfg.BuildProgram = buildProgram
	cfg.DebuggerProgram = debuggerProgram
	cfg.ShmName = shmName
	cfg.Verbose = verbose

	if cfg.ScratchDir == "" {
		dir, err := os.MkdirTemp("", "memhook-build-*")
		if err != nil {
			fatal("creating scratch directory: %v", err)
		}
		cfg.ScratchDir = dir
	}

	var err error
	if cfg.Hooks, err = parseHooks(hookList); err != nil {
		fatal("-hooks: %v", err)
	}
	if cfg.FilterExactSizes, err = parseUint64List(exactSizes); err != nil {
		fatal("-filter-size: %v", err)
	}
	if cfg.FilterSizeRanges, err = parseSizeRanges(sizeRanges); err != nil {
		fatal("-filter-size-range: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		fatal("%v", err)
	}

	if err := orchestrator.Run(context.Background(), cfg); err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "memhook: "+format+"\n", args...)
	os.Exit(1)
}

func parseHooks(s string) ([]config.HookSpec, error) {
	if s == "" {
		return nil, nil
	}
	var hooks []config.HookSpec
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		h := config.HookSpec{Function: parts[0]}
		if len(parts) == 2 {
			h.Replacement = parts[1]
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}

func parseUint64List(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	var out []uint64
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		v, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", tok, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseSizeRanges(s string) ([]config.SizeRange, error) {
	if s == "" {
		return nil, nil
	}
	var out []config.SizeRange
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		bounds := strings.SplitN(tok, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("invalid range %q, want min-max", tok)
		}
		min, err := strconv.ParseUint(bounds[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range min %q: %w", bounds[0], err)
		}
		max, err := strconv.ParseUint(bounds[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range max %q: %w", bounds[1], err)
		}
		out = append(out, config.SizeRange{Min: min, Max: max})
	}
	return out, nil
}
