// Package inspect implements a pure read over a running process's /proc
// entries and disassembly that recovers the absolute address of a
// function's PLT slot.
package inspect

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sys/unix"

	"github.com/segfaultlabs/memhook/internal/buildrun"
	"github.com/segfaultlabs/memhook/internal/errcat"
)

// ObjdumpProgram is the external disassembler invoked to recover PLT
// offsets; configurable for hosts that ship llvm-objdump under a
// different name.
var ObjdumpProgram = "objdump"

// gnuPLTAnnotation matches GNU binutils' "# <offset> <func@plt>" comment
// style in objdump -d output.
var gnuPLTAnnotation = regexp.MustCompile(`#\s+([0-9a-fA-F]+)\s+<([^>@]+)@plt`)

// llvmPLTAnnotation matches llvm-objdump's equivalent annotation, which
// spells the section suffix as "@plt" too but pads the offset
// differently. It is currently the same compiled regexp as the GNU one
// (whose \s+ absorbs the padding); the separate name lets the LLVM path
// change without touching the GNU path.
var llvmPLTAnnotation = gnuPLTAnnotation

// gnuObjdumpVersions and llvmObjdumpVersions gate which annotation regexp
// applies: real-world binutils and llvm-objdump PLT comment spelling has
// drifted across major versions, so the detected objdump's own version
// string selects which constraint (and by extension which regexp) to
// apply.
var (
	gnuObjdumpVersions, _  = semver.NewConstraint(">= 2.30.0")
	llvmObjdumpVersions, _ = semver.NewConstraint(">= 10.0.0")
)

// ProcessPath resolves /proc/<pid>/exe to the target binary's path.
func ProcessPath(pid int) (string, error) {
	link := fmt.Sprintf("/proc/%d/exe", pid)
	buf := make([]byte, 4096)
	n, err := unix.Readlink(link, buf)
	if err != nil {
		return "", errcat.Wrap(errcat.TargetIntrospection, "E_PROC_EXE", fmt.Sprintf("reading %s", link), nil, err)
	}
	return string(buf[:n]), nil
}

// LoadBase reads /proc/<pid>/maps and returns the first mapped segment's
// base address.
func LoadBase(pid int) (uintptr, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errcat.Wrap(errcat.TargetIntrospection, "E_PROC_MAPS", fmt.Sprintf("reading %s", path), nil, err)
	}
	lines := strings.SplitN(string(data), "\n", 2)
	if len(lines) == 0 || lines[0] == "" {
		return 0, errcat.New(errcat.TargetIntrospection, "E_PROC_MAPS_EMPTY", fmt.Sprintf("no mapped segments for pid %d", pid), nil)
	}
	fields := strings.SplitN(lines[0], "-", 2)
	if len(fields) == 0 {
		return 0, errcat.New(errcat.TargetIntrospection, "E_PROC_MAPS_FORMAT", "unexpected /proc/<pid>/maps format", nil)
	}
	base, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return 0, errcat.Wrap(errcat.TargetIntrospection, "E_PROC_MAPS_PARSE", "parsing load base", nil, err)
	}
	return uintptr(base), nil
}

// detectedAnnotation returns the PLT annotation regexp appropriate for
// the locally installed objdump, falling back to the GNU pattern (both
// patterns are currently identical; the indirection exists so a future
// spelling divergence is a one-line change, not a rewrite).
func detectedAnnotation(ctx context.Context) *regexp.Regexp {
	out, err := buildrun.Run(ctx, buildrun.CommandSpec{Program: ObjdumpProgram, Args: []string{"--version"}})
	if err != nil {
		return gnuPLTAnnotation
	}
	isLLVM := strings.Contains(out, "LLVM")
	ver := firstSemver(out)
	if ver == nil {
		return gnuPLTAnnotation
	}
	if isLLVM && llvmObjdumpVersions.Check(ver) {
		return llvmPLTAnnotation
	}
	if !isLLVM && gnuObjdumpVersions.Check(ver) {
		return gnuPLTAnnotation
	}
	return gnuPLTAnnotation
}

var versionRe = regexp.MustCompile(`(\d+\.\d+(\.\d+)?)`)

func firstSemver(s string) *semver.Version {
	m := versionRe.FindString(s)
	if m == "" {
		return nil
	}
	v, err := semver.NewVersion(m)
	if err != nil {
		return nil
	}
	return v
}

// PLTOffset disassembles exePath looking for funcName's PLT annotation
// and returns its byte offset from the start of the binary.
func PLTOffset(ctx context.Context, exePath, funcName string) (uintptr, error) {
	out, err := buildrun.Run(ctx, buildrun.CommandSpec{Program: ObjdumpProgram, Args: []string{"-d", exePath}})
	if err != nil {
		return 0, errcat.Wrap(errcat.TargetIntrospection, "E_OBJDUMP", fmt.Sprintf("disassembling %s", exePath), nil, err)
	}

	annotation := detectedAnnotation(ctx)
	for _, m := range annotation.FindAllStringSubmatch(out, -1) {
		if m[2] == funcName {
			offset, err := strconv.ParseUint(m[1], 16, 64)
			if err != nil {
				continue
			}
			return uintptr(offset), nil
		}
	}
	return 0, errcat.New(errcat.SymbolNotFound, "E_PLT_MISSING", fmt.Sprintf("%s is not present in %s's PLT", funcName, exePath), map[string]interface{}{"function": funcName})
}

// ResolvePLTSlot composes ProcessPath, LoadBase and PLTOffset into the
// absolute address of funcName's PLT slot inside the running pid.
func ResolvePLTSlot(ctx context.Context, pid int, funcName string) (uintptr, error) {
	exePath, err := ProcessPath(pid)
	if err != nil {
		return 0, err
	}
	base, err := LoadBase(pid)
	if err != nil {
		return 0, err
	}
	offset, err := PLTOffset(ctx, exePath, funcName)
	if err != nil {
		return 0, err
	}
	return base + offset, nil
}
