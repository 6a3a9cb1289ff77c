package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	assert.Equal(t, 67, c.Len())

	d, ok := c.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, "U-01", d.ID)
	assert.Equal(t, models.SeverityHigh, d.Severity)
	assert.Equal(t, []string{"ISMS-P 2.8.2"}, d.Compliance)
	assert.False(t, d.ManualOnly)

	assert.True(t, c.ManualOnly("U-23"))
	assert.True(t, c.ManualOnly("u23"))
	assert.False(t, c.ManualOnly("U-18"))

	defs := c.Definitions()
	assert.Equal(t, "U-01", defs[0].ID)
	assert.Equal(t, "U-67", defs[len(defs)-1].ID)
	assert.Len(t, c.Categories(), 5)
}

func TestResolveUnknownUsesDefaults(t *testing.T) {
	c := Default()
	d := c.Resolve("X-9")
	assert.Equal(t, "X-09", d.ID)
	assert.Equal(t, "X-09", d.Name)
	assert.Equal(t, models.SeverityMedium, d.Severity)
	assert.Equal(t, DefaultCategory, d.Category)
	assert.NotNil(t, d.Compliance)
}

func TestLookupReturnsCopies(t *testing.T) {
	c := Default()
	d, _ := c.Lookup("U-01")
	d.Compliance[0] = "mutated"
	again, _ := c.Lookup("U-01")
	assert.Equal(t, "ISMS-P 2.8.2", again.Compliance[0])
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]models.CheckDefinition{{ID: "U-01"}, {ID: "u1"}}, DefaultPolicy())
	require.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	doc := []byte(`
manual_only: [U-01]
manual_only_add: [U-02]
soft_success: false
min_script_bytes: 64
checks:
  - id: U-01
    severity: low
  - id: U-68
    name: Custom kernel parameter
    category: Kernel
`)
	c, err := Parse(doc)
	require.NoError(t, err)

	assert.True(t, c.ManualOnly("U-01"))
	assert.True(t, c.ManualOnly("U-02"))
	assert.False(t, c.ManualOnly("U-23"), "manual_only replaces the default list")
	assert.False(t, c.Policy().SoftSuccessEnabled())
	assert.EqualValues(t, 64, c.Policy().MinScriptBytes)

	d, ok := c.Lookup("U-01")
	require.True(t, ok)
	assert.Equal(t, models.SeverityLow, d.Severity)
	assert.Equal(t, "Restrict remote root login", d.Name)

	custom, ok := c.Lookup("U-68")
	require.True(t, ok)
	assert.Equal(t, "Kernel", custom.Category)
	assert.Equal(t, 68, c.Len())
}

func TestDefaultPolicy(t *testing.T) {
	p := Default().Policy()
	assert.True(t, p.SoftSuccessEnabled())
	assert.EqualValues(t, 100, p.MinScriptBytes)
	assert.Equal(t, 300, p.ReasonLimit)
	assert.Len(t, p.ManualOnly, len(DefaultManualOnly))
}

func TestReloaderPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("manual_only: [U-01]\n"), 0o600))

	r, err := NewReloader(path)
	require.NoError(t, err)
	r.debounce = 10 * time.Millisecond
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	assert.True(t, r.Catalog().ManualOnly("U-01"))

	require.NoError(t, os.WriteFile(path, []byte("manual_only: [U-02]\n"), 0o600))
	require.Eventually(t, func() bool {
		return r.Catalog().ManualOnly("U-02") && !r.Catalog().ManualOnly("U-01")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReloaderKeepsPreviousOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("manual_only: [U-01]\n"), 0o600))

	r, err := NewReloader(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("manual_only: [unterminated\n"), 0o600))
	require.Error(t, r.Reload())
	assert.True(t, r.Catalog().ManualOnly("U-01"))
}

func TestReloaderWithoutPathServesDefault(t *testing.T) {
	r, err := NewReloader("")
	require.NoError(t, err)
	require.NoError(t, r.Start())
	r.Stop()
	r.Stop()
	assert.Equal(t, 67, r.Catalog().Len())
}
