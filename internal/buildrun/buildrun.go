// Package buildrun wraps external-process invocation with an
// allow-listed, injection-resistant discipline, scoped to the three
// external programs this pipeline ever shells out to: the hook
// library's build command, objdump, and a debugger.
package buildrun

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CommandSpec describes one external invocation: a program, its
// arguments, a working directory, and environment overlays.
type CommandSpec struct {
	Program string
	Args    []string
	WorkDir string
	Env     map[string]string
}

// allowedPrograms is the closed set of external programs this pipeline may
// invoke: the templated hook library's build command, the disassembler
// used by the target inspector, and the remote debugger. Anything else is
// rejected before exec.Command ever sees it.
var allowedPrograms = map[string]bool{
	"make":         true,
	"go":           true,
	"gcc":          true,
	"clang":        true,
	"cc":           true,
	"ld":           true,
	"objdump":      true,
	"llvm-objdump": true,
	"gdb":          true,
	"lldb":         true,
}

// injectionPatterns is a shell-metacharacter block list; every argument
// passed to exec.Command is already unshelled, but a
// validated allow-list catches accidental construction from untrusted
// config (e.g. a CLI flag with a shell-looking value) before it reaches a
// subprocess.
var injectionPatterns = []string{";", "&", "|", "`", "$(", "&&", "||", "${", ">", ">>", "<"}

// Validate reports whether spec's program is allow-listed and its
// arguments contain no shell metacharacters or null bytes.
func (c CommandSpec) Validate() error {
	base := filepath.Base(filepath.Clean(c.Program))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if !allowedPrograms[base] {
		return fmt.Errorf("buildrun: program not in allow list: %s", c.Program)
	}
	for i, arg := range c.Args {
		if strings.Contains(arg, "\x00") {
			return fmt.Errorf("buildrun: argument %d contains a null byte", i)
		}
		for _, pat := range injectionPatterns {
			if strings.Contains(arg, pat) {
				return fmt.Errorf("buildrun: argument %d %q contains blocked pattern %q", i, arg, pat)
			}
		}
	}
	return nil
}

// Command builds an *exec.Cmd from spec after validating it. The returned
// command inherits a minimal environment (PATH/HOME) plus spec.Env
// overlays, never the caller's full environment.
func Command(ctx context.Context, spec CommandSpec) (*exec.Cmd, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	env := []string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	return cmd, nil
}

// Run executes spec and returns its captured stdout. It never trusts the
// process exit code alone: callers that treat empty stdout as failure
// should check for that explicitly, since some tools report failure with
// a clean exit code and empty output.
func Run(ctx context.Context, spec CommandSpec) (stdout string, err error) {
	cmd, err := Command(ctx, spec)
	if err != nil {
		return "", err
	}
	out, runErr := cmd.Output()
	return string(out), runErr
}
