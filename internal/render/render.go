// Package render turns a template source tree for an injectable hook
// library into a built shared object: copy the tree, substitute a closed
// set of placeholder tokens, run the external build, and wait for its
// artifact to appear.
package render

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/segfaultlabs/memhook/internal/buildrun"
	"github.com/segfaultlabs/memhook/internal/errcat"
)

// Placeholder is one compile-time substitution point in the hook
// library's template source.
type Placeholder string

const (
	PlaceholderSizeRangeFilter Placeholder = "__MEMHOOK_SIZE_RANGE_FILTER__"
	PlaceholderExactSizeFilter Placeholder = "__MEMHOOK_EXACT_SIZE_FILTER__"
	PlaceholderBufferCtor      Placeholder = "__MEMHOOK_BUFFER_CTOR__"
	PlaceholderBacktraceMethod Placeholder = "__MEMHOOK_BACKTRACE_METHOD__"
	PlaceholderTimestampMethod Placeholder = "__MEMHOOK_TIMESTAMP_METHOD__"
)

// Render copies every regular file under srcDir into scratchDir,
// replacing each placeholder key in subs with its substitution text
// (literal strings.Replace, no templating language). Placeholders with
// no entry in subs are written out as the empty string, so a template
// author can leave one unset without breaking the build.
func Render(srcDir, scratchDir string, subs map[Placeholder]string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(scratchDir, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		return renderFile(path, dst, subs)
	})
}

func renderFile(src, dst string, subs map[Placeholder]string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errcat.Wrap(errcat.BuildFailure, "E_RENDER_READ", fmt.Sprintf("reading template %s", src), nil, err)
	}
	text := string(data)
	for _, ph := range allPlaceholders {
		text = strings.ReplaceAll(text, string(ph), subs[ph])
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errcat.Wrap(errcat.BuildFailure, "E_RENDER_MKDIR", fmt.Sprintf("creating %s", filepath.Dir(dst)), nil, err)
	}
	if err := os.WriteFile(dst, []byte(text), 0o644); err != nil {
		return errcat.Wrap(errcat.BuildFailure, "E_RENDER_WRITE", fmt.Sprintf("writing %s", dst), nil, err)
	}
	return nil
}

var allPlaceholders = []Placeholder{
	PlaceholderSizeRangeFilter,
	PlaceholderExactSizeFilter,
	PlaceholderBufferCtor,
	PlaceholderBacktraceMethod,
	PlaceholderTimestampMethod,
}

// artifactNames are the shared-object names Build watches for, in the
// order tried; most hosts produce exactly one of these.
var artifactNames = []string{"libmemhook_hook.so", "libmemhook_hook.dylib"}

// Build runs toolchain inside scratchDir and waits for one of
// artifactNames to appear there, using an fsnotify watch rather than a
// polling loop. It returns the full path to whichever artifact showed
// up first, or an error if ctx is done first.
func Build(ctx context.Context, scratchDir string, toolchain buildrun.CommandSpec) (string, error) {
	if toolchain.WorkDir == "" {
		toolchain.WorkDir = scratchDir
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", errcat.Wrap(errcat.BuildFailure, "E_WATCH_INIT", "creating fsnotify watcher", nil, err)
	}
	defer watcher.Close()
	if err := watcher.Add(scratchDir); err != nil {
		return "", errcat.Wrap(errcat.BuildFailure, "E_WATCH_ADD", fmt.Sprintf("watching %s", scratchDir), nil, err)
	}

	if existing := findArtifact(scratchDir); existing != "" {
		return existing, nil
	}

	cmd, err := buildrun.Command(ctx, toolchain)
	if err != nil {
		return "", errcat.Wrap(errcat.BuildFailure, "E_BUILD_SPEC", "preparing build command", nil, err)
	}
	if err := cmd.Start(); err != nil {
		return "", errcat.Wrap(errcat.BuildFailure, "E_BUILD_START", "starting build", nil, err)
	}

	buildDone := make(chan error, 1)
	go func() { buildDone <- cmd.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return "", errcat.Wrap(errcat.BuildFailure, "E_BUILD_TIMEOUT", "waiting for build artifact", nil, ctx.Err())
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && isArtifact(ev.Name) {
				<-buildDone
				return ev.Name, nil
			}
		case err := <-watcher.Errors:
			return "", errcat.Wrap(errcat.BuildFailure, "E_WATCH_ERROR", "watching scratch directory", nil, err)
		case err := <-buildDone:
			if found := findArtifact(scratchDir); found != "" {
				return found, nil
			}
			if err != nil {
				return "", errcat.Wrap(errcat.BuildFailure, "E_BUILD_FAILED", "running external build", nil, err)
			}
			return "", errcat.New(errcat.BuildFailure, "E_BUILD_NO_ARTIFACT", "build finished but no artifact appeared", nil)
		}
	}
}

func isArtifact(path string) bool {
	base := filepath.Base(path)
	for _, name := range artifactNames {
		if base == name {
			return true
		}
	}
	return false
}

func findArtifact(dir string) string {
	for _, name := range artifactNames {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// Locate copies the built artifact at soPath to destDir, named the same
// as its source, so the profiler can reference a stable path beside its
// own executable rather than a scratch directory that may be cleaned up.
func Locate(soPath, destDir string) (string, error) {
	dst := filepath.Join(destDir, filepath.Base(soPath))
	src, err := os.Open(soPath)
	if err != nil {
		return "", errcat.Wrap(errcat.BuildFailure, "E_LOCATE_OPEN", fmt.Sprintf("opening %s", soPath), nil, err)
	}
	defer src.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", errcat.Wrap(errcat.BuildFailure, "E_LOCATE_MKDIR", fmt.Sprintf("creating %s", destDir), nil, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", errcat.Wrap(errcat.BuildFailure, "E_LOCATE_CREATE", fmt.Sprintf("creating %s", dst), nil, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return "", errcat.Wrap(errcat.BuildFailure, "E_LOCATE_COPY", fmt.Sprintf("copying %s", soPath), nil, err)
	}
	return dst, nil
}
