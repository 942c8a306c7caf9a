package logging

import (
	"bytes"
	"strings"
	"testing"
)

func newTestLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	off := false
	return New(Config{Level: level, Output: &buf, Prefix: "test", Color: &off}), &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if ValidLevel("bogus") || !ValidLevel("warn") {
		t.Error("ValidLevel mismatch")
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	l, buf := newTestLogger(LevelWarn)
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown %d", 1)
	l.Error("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("output contains filtered lines: %q", out)
	}
	if !strings.Contains(out, "[WARN] test: shown 1") || !strings.Contains(out, "[ERROR] test: shown 2") {
		t.Errorf("output = %q", out)
	}
}

func TestLoggerFieldsSorted(t *testing.T) {
	l, buf := newTestLogger(LevelDebug)
	l.WithComponent("dispatcher").WithField("conn", "abc").Info("accepted")

	if !strings.Contains(buf.String(), "accepted {component=dispatcher, conn=abc}") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestDerivedLoggerSharesLevel(t *testing.T) {
	l, buf := newTestLogger(LevelInfo)
	child := l.WithComponent("x")
	l.SetLevel(LevelError)
	child.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("child ignored parent level change: %q", buf.String())
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("nothing")
	if l.Enabled(LevelError) {
		t.Error("Nop logger must not be enabled")
	}
}

func TestDebugSink(t *testing.T) {
	l, buf := newTestLogger(LevelDebug)
	sink := l.DebugSink()
	sink("middleware auth failed: 100% denied")
	if !strings.Contains(buf.String(), "middleware auth failed: 100% denied") {
		t.Errorf("output = %q", buf.String())
	}
}
