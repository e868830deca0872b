// Package remote implements the remote controller: a thin wrapper over
// an external debugger invoked in batch mode to resolve a symbol, load a
// library into a target process, and overwrite one memory word, each as
// one subprocess invocation with no session kept between calls.
package remote

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/segfaultlabs/memhook/internal/buildrun"
	"github.com/segfaultlabs/memhook/internal/errcat"
)

// addressRe extracts the first hexadecimal address from a debugger's
// "print" output, of the form "$1 = (void *) 0x7f... <malloc>".
var addressRe = regexp.MustCompile(`0x([0-9a-fA-F]+)`)

// Controller issues resolve/load/poke operations against a single
// attached target process via one external debugger program.
type Controller struct {
	// Program is the debugger executable, e.g. "gdb".
	Program string
}

// New creates a Controller for the given debugger program.
func New(program string) *Controller {
	if program == "" {
		program = "gdb"
	}
	return &Controller{Program: program}
}

// run executes one batch-mode debugger invocation against pid and
// returns its captured stdout. The exit code alone is not trusted;
// empty output means failure ("could not attach").
func (c *Controller) run(ctx context.Context, pid int, expr string) (string, error) {
	spec := buildrun.CommandSpec{
		Program: c.Program,
		Args:    []string{"-p", strconv.Itoa(pid), "-ex", expr, "-batch"},
	}
	out, err := buildrun.Run(ctx, spec)
	if err != nil && out == "" {
		return "", errcat.Wrap(errcat.AttachFailure, "E_DEBUGGER_EXEC", fmt.Sprintf("running %s against pid %d", c.Program, pid), nil, err)
	}
	if out == "" {
		return "", errcat.New(errcat.AttachFailure, "E_DEBUGGER_EMPTY", fmt.Sprintf("empty debugger output attaching to pid %d", pid), nil)
	}
	return out, nil
}

// Resolve looks up symbol's address in the target's address space by
// running a print expression and parsing the first hex address from the
// debugger's reply.
func (c *Controller) Resolve(ctx context.Context, pid int, symbol string) (uintptr, error) {
	out, err := c.run(ctx, pid, fmt.Sprintf("p %s", symbol))
	if err != nil {
		return 0, err
	}
	m := addressRe.FindStringSubmatch(out)
	if m == nil {
		return 0, errcat.New(errcat.SymbolNotFound, "E_SYMBOL_ADDR", fmt.Sprintf("could not find address of %s in pid %d", symbol, pid), map[string]interface{}{"symbol": symbol})
	}
	addr, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, errcat.Wrap(errcat.SymbolNotFound, "E_SYMBOL_PARSE", fmt.Sprintf("parsing address for %s", symbol), nil, err)
	}
	return uintptr(addr), nil
}

// LoadLibrary injects the shared object at path into the target's address
// space via a dlopen call and returns its handle.
func (c *Controller) LoadLibrary(ctx context.Context, pid int, path string) (uintptr, error) {
	out, err := c.run(ctx, pid, fmt.Sprintf(`call (void*) dlopen("%s", 1)`, path))
	if err != nil {
		return 0, err
	}
	m := addressRe.FindStringSubmatch(out)
	if m == nil {
		return 0, errcat.New(errcat.AttachFailure, "E_DLOPEN", fmt.Sprintf("could not inject %s into pid %d", path, pid), nil)
	}
	handle, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, errcat.Wrap(errcat.AttachFailure, "E_DLOPEN_PARSE", "parsing dlopen handle", nil, err)
	}
	return uintptr(handle), nil
}

// PokeWord overwrites the eight bytes at addr in the target's address
// space with value. Unlike Resolve and LoadLibrary this operation is not
// idempotent from the target's perspective.
func (c *Controller) PokeWord(ctx context.Context, pid int, addr uintptr, value uint64) error {
	_, err := c.run(ctx, pid, fmt.Sprintf("set *(void **) 0x%x = 0x%x", addr, value))
	if err != nil {
		return errcat.Wrap(errcat.PatchFailure, "E_POKE", fmt.Sprintf("writing PLT slot 0x%x in pid %d", addr, pid), nil, err)
	}
	return nil
}
