package diagnose

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerVerboseGating(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test")

	l.Infof("hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("expected no output before SetVerbose, got %q", buf.String())
	}

	l.SetVerbose(true)
	l.Infof("shown %d", 2)
	if !strings.Contains(buf.String(), "test: info: shown 2") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestLoggerWarnErrorAlwaysEmit(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "test")

	l.Warnf("careful")
	l.Errorf("broken")

	out := buf.String()
	if !strings.Contains(out, "test: warn: careful") {
		t.Fatalf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "test: error: broken") {
		t.Fatalf("missing error line: %q", out)
	}
}
