// Package session implements the attach/detach lifecycle that composes a
// target inspector and a remote controller into register/inject/close,
// tracking each hook through its own small state machine.
package session

import (
	"context"
	"fmt"

	"github.com/segfaultlabs/memhook/internal/diagnose"
	"github.com/segfaultlabs/memhook/internal/errcat"
	"github.com/segfaultlabs/memhook/internal/inspect"
)

// Controller is the subset of *remote.Controller a Session needs; kept as
// an interface here so tests can substitute a fake debugger.
type Controller interface {
	Resolve(ctx context.Context, pid int, symbol string) (uintptr, error)
	LoadLibrary(ctx context.Context, pid int, path string) (uintptr, error)
	PokeWord(ctx context.Context, pid int, addr uintptr, value uint64) error
}

// State is one point in a hook's lifecycle:
//
//	REGISTERED -> (inject ok) PATCHED -> (close) RESTORED
//	REGISTERED -> (inject fail) FAILED
//	PATCHED -> (close fail) LEAKED
type State int

const (
	Registered State = iota
	Patched
	Failed
	Restored
	Leaked
)

func (s State) String() string {
	switch s {
	case Registered:
		return "REGISTERED"
	case Patched:
		return "PATCHED"
	case Failed:
		return "FAILED"
	case Restored:
		return "RESTORED"
	case Leaked:
		return "LEAKED"
	default:
		return "UNKNOWN"
	}
}

// Hook is one registered function redirection.
type Hook struct {
	Function    string
	Replacement string
	PLTSlot     uintptr

	State        State
	OriginalAddr uintptr
	ReplaceAddr  uintptr
}

// DefaultHooks returns the default catalog of C-library and C++ operator
// hooks (the Itanium-mangled set a memory profiler targets out of the
// box), so callers need not spell out manglings by hand.
func DefaultHooks() []Hook {
	names := []string{
		"malloc", "free",
		"_Znwm",                // operator new(unsigned long)
		"_Znam",                // operator new[](unsigned long)
		"_ZnwmRKSt9nothrow_t",  // operator new(unsigned long, std::nothrow_t const&)
		"_ZdlPv",               // operator delete(void*)
		"_ZdlPvm",              // operator delete(void*, unsigned long)
		"_ZdaPv",               // operator delete[](void*)
		"_ZdaPvm",              // operator delete[](void*, unsigned long)
		"_ZdlPvRKSt9nothrow_t", // operator delete(void*, std::nothrow_t const&)
	}
	hooks := make([]Hook, 0, len(names))
	for _, n := range names {
		hooks = append(hooks, Hook{Function: n, Replacement: n + "_hook"})
	}
	return hooks
}

// Session holds the registered hooks for one attach/detach lifecycle.
type Session struct {
	PID        int
	Controller Controller
	Hooks      []Hook

	log *diagnose.Logger
}

// New creates a Session against pid using ctrl as its Remote-Controller.
func New(pid int, ctrl Controller, log *diagnose.Logger) *Session {
	if log == nil {
		log = diagnose.Default
	}
	return &Session{PID: pid, Controller: ctrl, log: log}
}

// Register resolves function's PLT slot eagerly, so failures are visible
// before any mutation. replacement defaults to function+"_hook" when
// empty.
func (s *Session) Register(ctx context.Context, function, replacement string) error {
	if replacement == "" {
		replacement = function + "_hook"
	}
	slot, err := inspect.ResolvePLTSlot(ctx, s.PID, function)
	if err != nil {
		s.Hooks = append(s.Hooks, Hook{Function: function, Replacement: replacement, State: Failed})
		return err
	}
	s.Hooks = append(s.Hooks, Hook{Function: function, Replacement: replacement, PLTSlot: slot, State: Registered})
	return nil
}

// Inject loads the hook library into the target, then for each
// REGISTERED hook resolves both the original and replacement symbols and
// overwrites the PLT slot with the replacement's address. A per-hook
// symbol-resolution or patch failure moves that hook to FAILED; the
// session proceeds with the rest. Inject returns an error only when no
// hook at all could be patched — at least one successful patch is
// required to proceed.
func (s *Session) Inject(ctx context.Context, libPath string) error {
	if _, err := s.Controller.LoadLibrary(ctx, s.PID, libPath); err != nil {
		return errcat.Wrap(errcat.AttachFailure, "E_INJECT_LIB", fmt.Sprintf("loading %s into pid %d", libPath, s.PID), nil, err)
	}

	patched := 0
	for i := range s.Hooks {
		h := &s.Hooks[i]
		if h.State != Registered {
			continue
		}

		orig, err := s.Controller.Resolve(ctx, s.PID, h.Function)
		if err != nil {
			h.State = Failed
			s.log.Warnf("symbol not found for hook %s: %v", h.Function, err)
			continue
		}
		repl, err := s.Controller.Resolve(ctx, s.PID, h.Replacement)
		if err != nil {
			h.State = Failed
			s.log.Warnf("symbol not found for replacement %s: %v", h.Replacement, err)
			continue
		}
		if err := s.Controller.PokeWord(ctx, s.PID, h.PLTSlot, uint64(repl)); err != nil {
			h.State = Failed
			s.log.Warnf("patch failed for hook %s: %v", h.Function, err)
			continue
		}

		h.OriginalAddr = orig
		h.ReplaceAddr = repl
		h.State = Patched
		patched++
		s.log.Infof("patched %s -> %s at 0x%x", h.Function, h.Replacement, h.PLTSlot)
	}

	if patched == 0 {
		return errcat.New(errcat.AttachFailure, "E_NO_HOOKS_PATCHED", "no hook could be patched", nil)
	}
	return nil
}

// Close restores every PATCHED hook's PLT slot to its saved original
// address. Restoration is best-effort per hook: one failure does not
// abort the rest, and a hook whose restore fails moves to LEAKED rather
// than RESTORED. Every failure is returned in the slice for the caller
// to log; Close itself never aborts early.
func (s *Session) Close(ctx context.Context) []error {
	var errs []error
	for i := range s.Hooks {
		h := &s.Hooks[i]
		if h.State != Patched {
			continue
		}
		if err := s.Controller.PokeWord(ctx, s.PID, h.PLTSlot, uint64(h.OriginalAddr)); err != nil {
			h.State = Leaked
			wrapped := errcat.Wrap(errcat.PatchFailure, "E_RESTORE", fmt.Sprintf("restoring %s", h.Function), nil, err)
			s.log.Errorf("failed to restore %s: %v", h.Function, wrapped)
			errs = append(errs, wrapped)
			continue
		}
		h.State = Restored
		s.log.Infof("restored %s", h.Function)
	}
	return errs
}

// PatchedCount returns the number of hooks currently in state PATCHED.
func (s *Session) PatchedCount() int {
	n := 0
	for _, h := range s.Hooks {
		if h.State == Patched {
			n++
		}
	}
	return n
}
