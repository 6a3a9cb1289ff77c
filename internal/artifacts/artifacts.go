// Package artifacts keeps the local audit trail of every run: the decoded
// result document, the raw remote payload compressed with zstd, and BLAKE3
// digests of what was sent to and received from the host.
package artifacts

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Kind selects the top-level directory of a run.
type Kind string

const (
	KindAnalysis    Kind = "analysis_results"
	KindRemediation Kind = "remediation_results"
)

const (
	RawFileName      = "raw_output.zst"
	ManifestFileName = "manifest.json"
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
)

func codecs() (*zstd.Encoder, *zstd.Decoder) {
	encoderOnce.Do(func() {
		// Neither constructor fails with only static options.
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		decoder, _ = zstd.NewReader(nil)
	})
	return encoder, decoder
}

// Record describes one persisted result.
type Record struct {
	Dir       string `json:"dir"`
	Path      string `json:"path"`
	RawPath   string `json:"raw_path,omitempty"`
	Digest    string `json:"blake3"`
	RawBytes  int    `json:"raw_bytes"`
	Formatted bool   `json:"formatted"`
}

// Store writes run artifacts under root.
type Store struct {
	root string
}

// New returns a Store rooted at dir. The directory is created lazily.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// RunDir returns <root>/<kind>/<host>/<run>.
func (s *Store) RunDir(kind Kind, host, runID string) string {
	return filepath.Join(s.root, string(kind), safeSegment(host), safeSegment(runID))
}

// SaveResult writes name inside the run directory. When decoded is non-nil
// the file holds its indented JSON form, otherwise the raw bytes as
// received. The raw bytes are always archived next to it as zstd.
func (s *Store) SaveResult(kind Kind, host, runID, name string, raw []byte, decoded any) (Record, error) {
	dir := s.RunDir(kind, host, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Record{}, fmt.Errorf("create artifact dir: %w", err)
	}

	rec := Record{
		Dir:      dir,
		Path:     filepath.Join(dir, name),
		Digest:   Digest(raw),
		RawBytes: len(raw),
	}

	body := raw
	if decoded != nil {
		pretty, err := json.MarshalIndent(decoded, "", "  ")
		if err == nil {
			body = append(pretty, '\n')
			rec.Formatted = true
		}
	}
	if err := os.WriteFile(rec.Path, body, 0o640); err != nil {
		return Record{}, fmt.Errorf("write %s: %w", rec.Path, err)
	}

	if len(raw) > 0 {
		enc, _ := codecs()
		rec.RawPath = filepath.Join(dir, RawFileName)
		if err := os.WriteFile(rec.RawPath, enc.EncodeAll(raw, nil), 0o640); err != nil {
			return rec, fmt.Errorf("write %s: %w", rec.RawPath, err)
		}
	}
	return rec, nil
}

// WriteManifest stores v as manifest.json in the run directory.
func (s *Store) WriteManifest(kind Kind, host, runID string, v any) (string, error) {
	dir := s.RunDir(kind, host, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFileName)
	if err := os.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// ReadRaw returns the decompressed raw payload of a run.
func (s *Store) ReadRaw(kind Kind, host, runID string) ([]byte, error) {
	path := filepath.Join(s.RunDir(kind, host, runID), RawFileName)
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	_, dec := codecs()
	out, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", path, err)
	}
	return out, nil
}

// Runs lists the run ids recorded for host, oldest first by name.
func (s *Store) Runs(kind Kind, host string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(kind), safeSegment(host)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeSegment(s string) string {
	s = unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}
