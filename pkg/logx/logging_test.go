package logx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
}

func TestWithFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn").With(String("comp", "worker"))

	l.Info("dropped")
	l.Warn("kept", Int("n", 3), Err(errors.New("boom")))

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line should be filtered at warn level: %s", out)
	}
	for _, want := range []string{`"comp":"worker"`, `"n":3`, `"err":"boom"`, `"message":"kept"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %s: %s", want, out)
		}
	}
}

func TestTraceLevel(t *testing.T) {
	tests := []struct {
		level string
		want  bool
	}{
		{level: "trace", want: true},
		{level: "debug", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			NewWriter(&buf, tt.level).Trace("opened", Int64("content_length", 4096))
			got := strings.Contains(buf.String(), `"content_length":4096`)
			if got != tt.want {
				t.Fatalf("trace at %s logged = %v: %q", tt.level, got, buf.String())
			}
		})
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kept.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Debug("hello file")
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("after apply")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "hello file") {
		t.Fatalf("expected first line in file, got %q", b)
	}
	if strings.Contains(string(b), "after apply") {
		t.Fatalf("info line should be filtered after Apply(error)")
	}
}

func TestParseLevel(t *testing.T) {
	if got := parseLevel("warning", LevelInfo); got != LevelWarn {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("bogus", LevelInfo); got != LevelInfo {
		t.Fatalf("parseLevel(bogus) = %v", got)
	}
}
