package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveResultFormatsAndArchives(t *testing.T) {
	s := New(t.TempDir())
	raw := []byte(`[{"check_id":"U-01","status":"SAFE"}]`)
	decoded := []map[string]string{{"check_id": "U-01", "status": "SAFE"}}

	rec, err := s.SaveResult(KindAnalysis, "web-01", "01J0RUN", "result.json", raw, decoded)
	require.NoError(t, err)
	assert.True(t, rec.Formatted)
	assert.Equal(t, filepath.Join(s.Root(), "analysis_results", "web-01", "01J0RUN", "result.json"), rec.Path)
	assert.Equal(t, Digest(raw), rec.Digest)
	assert.Len(t, rec.Digest, 64)

	body, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "\n  {\n")

	back, err := s.ReadRaw(KindAnalysis, "web-01", "01J0RUN")
	require.NoError(t, err)
	assert.Equal(t, raw, back)
}

func TestSaveResultKeepsRawWhenUndecodable(t *testing.T) {
	s := New(t.TempDir())
	raw := []byte(`[{"check_id":"U-01",,}`)

	rec, err := s.SaveResult(KindRemediation, "db-01", "r1", "remediation_result.json", raw, nil)
	require.NoError(t, err)
	assert.False(t, rec.Formatted)

	body, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, raw, body)
}

func TestSaveResultEmptyRawSkipsArchive(t *testing.T) {
	s := New(t.TempDir())
	rec, err := s.SaveResult(KindAnalysis, "h", "r", "result.json", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, rec.RawPath)
	_, err = os.Stat(filepath.Join(rec.Dir, RawFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestRunDirSanitisesSegments(t *testing.T) {
	s := New("/data")
	dir := s.RunDir(KindAnalysis, "../../etc/passwd", "run 1")
	assert.True(t, strings.HasPrefix(dir, "/data/analysis_results/"))
	assert.Equal(t, "/data/analysis_results", filepath.Dir(filepath.Dir(dir)), "host stays one segment")
	assert.Equal(t, "run_1", filepath.Base(dir))
	assert.Equal(t, "_", safeSegment("  "))
	assert.Equal(t, "_", safeSegment(".."))
}

func TestManifestAndRuns(t *testing.T) {
	s := New(t.TempDir())
	path, err := s.WriteManifest(KindRemediation, "web-01", "r1", map[string]string{"u01.sh": Digest([]byte("x"))})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "u01.sh")

	_, err = s.WriteManifest(KindRemediation, "web-01", "r2", map[string]string{})
	require.NoError(t, err)

	runs, err := s.Runs(KindRemediation, "web-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, runs)

	none, err := s.Runs(KindAnalysis, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDigestKnownValue(t *testing.T) {
	// BLAKE3 of the empty input.
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", Digest(nil))
}
