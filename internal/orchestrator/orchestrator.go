// Package orchestrator wires the render, inspect, remote, session, ring,
// aggregator, and timeline packages into one attach-to-shutdown run.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/segfaultlabs/memhook/internal/aggregator"
	"github.com/segfaultlabs/memhook/internal/buildrun"
	"github.com/segfaultlabs/memhook/internal/config"
	"github.com/segfaultlabs/memhook/internal/diagnose"
	"github.com/segfaultlabs/memhook/internal/errcat"
	"github.com/segfaultlabs/memhook/internal/inspect"
	"github.com/segfaultlabs/memhook/internal/remote"
	"github.com/segfaultlabs/memhook/internal/render"
	"github.com/segfaultlabs/memhook/internal/ring"
	"github.com/segfaultlabs/memhook/internal/session"
	"github.com/segfaultlabs/memhook/internal/timeline"
)

// Run performs one complete attach/profile/detach lifecycle: it renders
// and builds the hook library, patches the target's PLT, drains the
// shared-memory ring until canceled or signaled, and restores the
// target before returning.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := checkAttachable(cfg.PID); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := diagnose.Default
	log.SetVerbose(cfg.Verbose)

	buf, err := openRing(cfg)
	if err != nil {
		return err
	}

	soPath, err := buildHookLibrary(ctx, cfg, log)
	if err != nil {
		return err
	}

	ctrl := remote.New(cfg.DebuggerProgram)
	sess := session.New(cfg.PID, ctrl, log)

	hooks := cfg.Hooks
	if len(hooks) == 0 {
		for _, h := range session.DefaultHooks() {
			hooks = append(hooks, config.HookSpec{Function: h.Function, Replacement: h.Replacement})
		}
	}
	for _, h := range hooks {
		if err := sess.Register(ctx, h.Function, h.Replacement); err != nil {
			log.Warnf("could not register hook %s: %v", h.Function, err)
		}
	}
	if err := sess.Inject(ctx, soPath); err != nil {
		return err
	}
	log.Infof("patched %d hook(s) in pid %d", sess.PatchedCount(), cfg.PID)

	agg := aggregator.New(cfg.OutputFile != "")

	var sink timeline.Sink = timeline.NullSink{}
	if cfg.Graph {
		window := timeline.NewWindow(cfg.TimeWindow)
		httpSink := timeline.NewHTTPSink(window)
		go func() {
			if err := httpSink.Serve(ctx, ":7777"); err != nil {
				log.Warnf("timeline server stopped: %v", err)
			}
		}()
		sink = httpSink
	}

	done := make(chan struct{})
	go readLoop(ctx, ring.NewConsumer(ring.Open(buf)), agg, sink, cfg, log, done)

	var reportDone chan struct{}
	if cfg.LivePrintEnabled() {
		reportDone = make(chan struct{})
		go reportLoop(ctx, agg, cfg.ReportPeriod, reportDone)
	}

	<-ctx.Done()
	<-done
	if reportDone != nil {
		<-reportDone
	}

	for _, restoreErr := range sess.Close(context.Background()) {
		log.Errorf("hook restore failed: %v", restoreErr)
	}

	if err := ring.Close(buf); err != nil {
		log.Warnf("unmapping shared ring: %v", err)
	}
	if err := ring.Unlink(cfg.ShmName); err != nil {
		log.Warnf("unlinking shared memory %s: %v", cfg.ShmName, err)
	}

	if cfg.OutputFile != "" {
		if err := writeLog(cfg.OutputFile, agg); err != nil {
			log.Errorf("flushing log: %v", err)
			return err
		}
	}
	return nil
}

// checkAttachable reports whether the target process can plausibly be
// inspected: its /proc entry must exist and be readable by this
// process, the same precondition a debugger attach requires.
func checkAttachable(pid int) error {
	if _, err := inspect.ProcessPath(pid); err != nil {
		return errcat.Wrap(errcat.Privilege, "E_ATTACH_PRIVILEGE", fmt.Sprintf("pid %d is not inspectable by this process", pid), nil, err)
	}
	return nil
}

func openRing(cfg config.Config) (ring.Buffer, error) {
	size := cfg.RingCapacityBytes
	if size == 0 {
		size = ring.SizeForCapacity(cfg.RingCapacityRecords)
	}
	buf, err := ring.CreateShared(cfg.ShmName, size)
	if err != nil {
		return nil, errcat.Wrap(errcat.SharedMemoryOpen, "E_SHM_CREATE", fmt.Sprintf("creating shared memory %s", cfg.ShmName), nil, err)
	}
	return buf, nil
}

func buildHookLibrary(ctx context.Context, cfg config.Config, log *diagnose.Logger) (string, error) {
	subs := substitutions(cfg)
	if err := render.Render(cfg.HookLibSourceDir, cfg.ScratchDir, subs); err != nil {
		return "", err
	}
	log.Infof("rendered hook library template into %s", cfg.ScratchDir)

	soPath, err := render.Build(ctx, cfg.ScratchDir, buildrun.CommandSpec{Program: cfg.BuildProgram, Args: cfg.BuildArgs})
	if err != nil {
		return "", err
	}
	exe, err := os.Executable()
	if err != nil {
		return "", errcat.Wrap(errcat.BuildFailure, "E_LOCATE_EXE", "locating the profiler executable", nil, err)
	}
	located, err := render.Locate(soPath, filepath.Dir(exe))
	if err != nil {
		return "", err
	}
	log.Infof("built hook library at %s", located)
	return located, nil
}

// substitutions builds the hook library's template replacements. Filter
// snippets follow the same shape as the rest of this pipeline's filters:
// an "if (<size doesn't match>) return ptr;" guard that skips recording
// for everything the filter excludes. Leaving a filter unconfigured
// keeps its placeholder out of the map, which Render then writes out as
// empty text — no filtering at all.
func substitutions(cfg config.Config) map[render.Placeholder]string {
	subs := map[render.Placeholder]string{
		render.PlaceholderBufferCtor:      fmt.Sprintf("memhook_open_shared(%q)", cfg.ShmName),
		render.PlaceholderBacktraceMethod: string(cfg.BacktraceMethod),
		render.PlaceholderTimestampMethod: string(cfg.TimestampMethod),
	}

	if len(cfg.FilterExactSizes) > 0 {
		terms := make([]string, 0, len(cfg.FilterExactSizes))
		for _, v := range cfg.FilterExactSizes {
			terms = append(terms, fmt.Sprintf("(size != %s)", strconv.FormatUint(v, 10)))
		}
		subs[render.PlaceholderExactSizeFilter] = filterGuard(terms)
	}

	if len(cfg.FilterSizeRanges) > 0 {
		terms := make([]string, 0, len(cfg.FilterSizeRanges))
		for _, r := range cfg.FilterSizeRanges {
			terms = append(terms, fmt.Sprintf("(size < %d || %d < size)", r.Min, r.Max))
		}
		subs[render.PlaceholderSizeRangeFilter] = filterGuard(terms)
	}

	return subs
}

// filterGuard joins terms with "&&", appends a trailing "true" so the
// join never ends on a dangling operator, and wraps the result in the
// early-return guard every hook site checks before recording.
func filterGuard(terms []string) string {
	cond := ""
	for _, term := range terms {
		cond += term + " && "
	}
	cond += "true"
	return fmt.Sprintf("if (%s)\n        return ptr;\n", cond)
}

func readLoop(ctx context.Context, cons *ring.Consumer, agg *aggregator.Aggregator, sink timeline.Sink, cfg config.Config, log *diagnose.Logger, done chan struct{}) {
	defer close(done)
	period := cfg.ReadPeriod
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drain(cons, agg, sink, log)
			return
		case <-ticker.C:
			drain(cons, agg, sink, log)
		}
	}
}

func drain(cons *ring.Consumer, agg *aggregator.Aggregator, sink timeline.Sink, log *diagnose.Logger) {
	overflowBefore := cons.Ring().OverflowCount()
	cons.Drain(func(ev ring.Event) {
		now := time.Now()
		agg.Consume(ev, now)
		sink.AddEvent(now, agg.CumulativeLiveBytes(), ev.Kind)
	}, func(slot int) {
		log.Warnf("ring corruption at slot %d, skipping", slot)
	})
	if after := cons.Ring().OverflowCount(); after != overflowBefore {
		agg.NoteOverflow(after)
	}
	sink.Update()
}

func reportLoop(ctx context.Context, agg *aggregator.Aggregator, period time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = agg.BuildReport().WriteText(os.Stdout)
		}
	}
}

func writeLog(path string, agg *aggregator.Aggregator) error {
	f, err := os.Create(path)
	if err != nil {
		return errcat.Wrap(errcat.LogIO, "E_LOG_CREATE", fmt.Sprintf("creating %s", path), nil, err)
	}
	defer f.Close()
	if err := agg.FlushLog(f); err != nil {
		return errcat.Wrap(errcat.LogIO, "E_LOG_WRITE", fmt.Sprintf("writing %s", path), nil, err)
	}
	return nil
}
