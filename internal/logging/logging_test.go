package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		Shutdown()
		mu.Lock()
		baseLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Logger = baseLogger
		mu.Unlock()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		nowFn = time.Now
		stderr = os.Stderr
	})
}

func TestInitSetsLevelAndComponent(t *testing.T) {
	resetLoggingState(t)
	stderr = io.Discard

	logger := Init(Config{Format: "json", Level: "debug", Component: "hostaudit"})
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", zerolog.GlobalLevel())
	}

	var buf bytes.Buffer
	out := logger.Output(&buf)
	out.Info().Msg("hello")
	// Output replaces the writer but keeps context fields.
	var event map[string]any
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event["component"] != "hostaudit" {
		t.Fatalf("expected component field, got %v", event)
	}
}

func TestParseLevel(t *testing.T) {
	resetLoggingState(t)
	stderr = io.Discard

	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"off":      zerolog.Disabled,
		"nonsense": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSelectWriterAutoUsesTerminalDetection(t *testing.T) {
	resetLoggingState(t)
	prev := isTerminalFn
	t.Cleanup(func() { isTerminalFn = prev })

	isTerminalFn = func(int) bool { return true }
	if _, ok := selectWriter("auto").(zerolog.ConsoleWriter); !ok {
		t.Fatal("expected console writer on a terminal")
	}
	isTerminalFn = func(int) bool { return false }
	if selectWriter("auto") != io.Writer(os.Stderr) {
		t.Fatal("expected raw stderr off a terminal")
	}
}

func TestRunIDContext(t *testing.T) {
	ctx, id := WithRunID(context.Background(), "")
	if id == "" || RunID(ctx) != id {
		t.Fatalf("expected generated run id, got %q / %q", id, RunID(ctx))
	}

	ctx, id = WithRunID(context.Background(), "  run-7 ")
	if id != "run-7" {
		t.Fatalf("expected trimmed id, got %q", id)
	}

	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	l := FromContext(ctx)
	l.Info().Msg("x")
	if !strings.Contains(buf.String(), `"run_id":"run-7"`) {
		t.Fatalf("expected run_id field, got %s", buf.String())
	}
	if RunID(context.Background()) != "" {
		t.Fatal("expected empty run id on bare context")
	}
}

func TestRotatingFileRotatesAndCompresses(t *testing.T) {
	resetLoggingState(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hostaudit.log")

	rf, err := newRotatingFile(Config{FilePath: path, MaxSizeMB: 1, Compress: true})
	if err != nil {
		t.Fatalf("newRotatingFile: %v", err)
	}
	rf.maxBytes = 16
	nowFn = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	if _, err := rf.Write([]byte("0123456789\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := rf.Write([]byte("abcdefghij\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current: %v", err)
	}
	if string(current) != "abcdefghij\n" {
		t.Fatalf("unexpected current content %q", current)
	}

	gz := path + ".20260102-030405.000.gz"
	f, err := os.Open(gz)
	if err != nil {
		t.Fatalf("expected compressed rotation: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	rotated, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read rotated: %v", err)
	}
	if string(rotated) != "0123456789\n" {
		t.Fatalf("unexpected rotated content %q", rotated)
	}
}

func TestRotatingFilePrunesOldFiles(t *testing.T) {
	resetLoggingState(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hostaudit.log")
	old := path + ".20200101-000000.000"
	if err := os.WriteFile(old, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-30 * 24 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	rf, err := newRotatingFile(Config{FilePath: path, MaxAgeDays: 7})
	if err != nil {
		t.Fatalf("newRotatingFile: %v", err)
	}
	defer rf.Close()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old rotation pruned, stat err=%v", err)
	}
}

func TestInitWithFileWritesJSON(t *testing.T) {
	resetLoggingState(t)
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	Init(Config{Format: "json", Level: "info", FilePath: path})
	log.Info().Str("host", "web-01").Msg("audit complete")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"host":"web-01"`) {
		t.Fatalf("expected host field in file output, got %s", data)
	}
}
