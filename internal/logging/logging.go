// Package logging configures the process-wide zerolog logger.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

type ctxKey struct{}

const (
	bytesPerMB        int64 = 1024 * 1024
	defaultMaxSizeMB        = 50
	defaultMaxAgeDays       = 14

	logFilePerm os.FileMode = 0o600
	logDirPerm  os.FileMode = 0o700
)

// Config controls logger initialization.
type Config struct {
	Format     string // "json", "console", or "auto"
	Level      string // "trace" through "error", or "disabled"
	Component  string
	FilePath   string // optional; empty keeps stderr only
	MaxSizeMB  int
	MaxAgeDays int
	Compress   bool // gzip rotated files
}

var (
	mu         sync.Mutex
	baseLogger zerolog.Logger
	fileCloser io.Closer

	timeFormat = time.RFC3339
)

var (
	nowFn        = time.Now
	isTerminalFn = term.IsTerminal
	stderr       io.Writer = os.Stderr
)

func init() {
	baseLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and returns the new base logger.
// Calling it again replaces the previous configuration.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	previous := fileCloser
	fileCloser = nil

	zerolog.TimeFieldFormat = timeFormat
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	writer := selectWriter(cfg.Format)
	if rf, err := newRotatingFile(cfg); err != nil {
		fmt.Fprintf(stderr, "logging: file output disabled: %v\n", err)
	} else if rf != nil {
		writer = io.MultiWriter(writer, rf)
		fileCloser = rf
	}

	lc := zerolog.New(writer).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		lc = lc.Str("component", component)
	}
	baseLogger = lc.Logger()
	log.Logger = baseLogger

	if previous != nil {
		_ = previous.Close()
	}
	return baseLogger
}

// Shutdown flushes and closes the log file, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if fileCloser != nil {
		if err := fileCloser.Close(); err != nil {
			fmt.Fprintf(stderr, "logging: close log file: %v\n", err)
		}
		fileCloser = nil
	}
}

// WithRunID stores a run correlation id on ctx, generating one when id is
// empty, and returns the id that was stored.
func WithRunID(ctx context.Context, id string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, ctxKey{}, id), id
}

// RunID returns the id stored by WithRunID.
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// FromContext returns the global logger annotated with the run id, if any.
func FromContext(ctx context.Context) zerolog.Logger {
	l := log.Logger
	if id := RunID(ctx); id != "" {
		l = l.With().Str("run_id", id).Logger()
	}
	return l
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		fmt.Fprintf(stderr, "logging: invalid level %q; using info\n", level)
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat}
	case "json":
		return os.Stderr
	case "auto", "":
		if isTerminalFn(int(os.Stderr.Fd())) {
			return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat}
		}
		return os.Stderr
	default:
		fmt.Fprintf(stderr, "logging: invalid format %q; using json\n", format)
		return os.Stderr
	}
}

// rotatingFile is an io.WriteCloser that renames the file aside once it
// reaches maxBytes and prunes rotated siblings older than maxAge.
type rotatingFile struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	maxAge   time.Duration
	compress bool
	// wg tracks background compression so Close can wait for it.
	wg sync.WaitGroup
}

func newRotatingFile(cfg Config) (*rotatingFile, error) {
	path := strings.TrimSpace(cfg.FilePath)
	if path == "" {
		return nil, nil
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), logDirPerm); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	maxMB := cfg.MaxSizeMB
	if maxMB <= 0 {
		maxMB = defaultMaxSizeMB
	}
	maxAge := cfg.MaxAgeDays
	if maxAge < 0 {
		maxAge = defaultMaxAgeDays
	}

	rf := &rotatingFile{
		path:     path,
		maxBytes: int64(maxMB) * bytesPerMB,
		maxAge:   time.Duration(maxAge) * 24 * time.Hour,
		compress: cfg.Compress,
	}
	if err := rf.openLocked(); err != nil {
		return nil, err
	}
	rf.prune()
	return rf, nil
}

func (w *rotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openLocked(); err != nil {
		return 0, err
	}
	if w.size+int64(len(p)) > w.maxBytes && w.size > 0 {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("write log file %s: %w", w.path, err)
	}
	return n, nil
}

func (w *rotatingFile) Close() error {
	w.mu.Lock()
	err := w.closeLocked()
	w.mu.Unlock()
	w.wg.Wait()
	return err
}

func (w *rotatingFile) openLocked() error {
	if w.file != nil {
		return nil
	}
	if info, err := os.Lstat(w.path); err == nil && !info.Mode().IsRegular() {
		return fmt.Errorf("log path %s is not a regular file", w.path)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", w.path, err)
	}
	w.file = f
	w.size = 0
	if info, err := f.Stat(); err == nil {
		w.size = info.Size()
	}
	return nil
}

func (w *rotatingFile) closeLocked() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingFile) rotateLocked() error {
	if err := w.closeLocked(); err != nil {
		return fmt.Errorf("close log file before rotation: %w", err)
	}
	rotated := w.path + "." + nowFn().Format("20060102-150405.000")
	if err := os.Rename(w.path, rotated); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "logging: rotate %s: %v\n", w.path, err)
	} else if err == nil && w.compress {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			gzipAndRemove(rotated)
		}()
	}
	w.prune()
	return w.openLocked()
}

func (w *rotatingFile) prune() {
	if w.maxAge <= 0 {
		return
	}
	dir := filepath.Dir(w.path)
	prefix := filepath.Base(w.path) + "."
	cutoff := nowFn().Add(-w.maxAge)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			fmt.Fprintf(stderr, "logging: prune %s: %v\n", e.Name(), err)
		}
	}
}

func gzipAndRemove(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFilePerm)
	if err != nil {
		fmt.Fprintf(stderr, "logging: compress %s: %v\n", path, err)
		return
	}
	gw := gzip.NewWriter(out)
	_, copyErr := io.Copy(gw, in)
	closeErr := errors.Join(gw.Close(), out.Close())
	if err := errors.Join(copyErr, closeErr); err != nil {
		fmt.Fprintf(stderr, "logging: compress %s: %v\n", path, err)
		_ = os.Remove(path + ".gz")
		return
	}
	_ = os.Remove(path)
}
