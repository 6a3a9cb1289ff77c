package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/rcourtman/hostaudit/internal/models"
	"gopkg.in/yaml.v3"
)

const (
	defaultMinScriptBytes = 100
	defaultReasonLimit    = 300
)

// Policy is project-specific business policy kept as data.
type Policy struct {
	// ManualOnly identifiers are never auto-remediated.
	ManualOnly []string `yaml:"manual_only"`
	// SoftSuccess treats a non-zero audit exit code as success when the run
	// still produced findings.
	SoftSuccess *bool `yaml:"soft_success,omitempty"`
	// MinScriptBytes is the size below which a remediation script is a stub.
	MinScriptBytes int64 `yaml:"min_script_bytes,omitempty"`
	// ReasonLimit caps the remote output quoted in a failure reason.
	ReasonLimit int `yaml:"reason_limit,omitempty"`
}

// DefaultPolicy mirrors the behaviour the audit scripts were written against.
func DefaultPolicy() Policy {
	soft := true
	return Policy{
		ManualOnly:     append([]string(nil), DefaultManualOnly...),
		SoftSuccess:    &soft,
		MinScriptBytes: defaultMinScriptBytes,
		ReasonLimit:    defaultReasonLimit,
	}
}

// SoftSuccessEnabled reports the effective soft-success rule.
func (p Policy) SoftSuccessEnabled() bool {
	return p.SoftSuccess == nil || *p.SoftSuccess
}

func (p Policy) withDefaults() Policy {
	if p.MinScriptBytes <= 0 {
		p.MinScriptBytes = defaultMinScriptBytes
	}
	if p.ReasonLimit <= 0 {
		p.ReasonLimit = defaultReasonLimit
	}
	return p
}

// File is the on-disk policy document.
//
//	manual_only: [U-03, U-04]
//	soft_success: true
//	min_script_bytes: 100
//	checks:
//	  - id: U-68
//	    name: Custom check
//	    severity: low
type File struct {
	Policy `yaml:",inline"`
	// ManualOnlyAdd extends the default manual-only list instead of replacing it.
	ManualOnlyAdd []string                 `yaml:"manual_only_add,omitempty"`
	Checks        []models.CheckDefinition `yaml:"checks,omitempty"`
}

// LoadFile reads a policy document and builds a catalog from the defaults
// merged with it. Checks in the file override built-in definitions with the
// same identifier and add new ones otherwise.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog policy %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from a YAML policy document.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog policy: %w", err)
	}

	policy := DefaultPolicy()
	if f.ManualOnly != nil {
		policy.ManualOnly = f.ManualOnly
	}
	policy.ManualOnly = append(policy.ManualOnly, f.ManualOnlyAdd...)
	if f.SoftSuccess != nil {
		policy.SoftSuccess = f.SoftSuccess
	}
	if f.MinScriptBytes > 0 {
		policy.MinScriptBytes = f.MinScriptBytes
	}
	if f.ReasonLimit > 0 {
		policy.ReasonLimit = f.ReasonLimit
	}

	return New(mergeDefinitions(DefaultDefinitions, f.Checks), policy)
}

func mergeDefinitions(base, extra []models.CheckDefinition) []models.CheckDefinition {
	out := make([]models.CheckDefinition, 0, len(base)+len(extra))
	index := make(map[string]int, len(base))
	for _, d := range base {
		index[models.NormalizeCheckID(d.ID)] = len(out)
		out = append(out, d)
	}
	for _, d := range extra {
		id := models.NormalizeCheckID(d.ID)
		if strings.TrimSpace(id) == "" {
			continue
		}
		if i, ok := index[id]; ok {
			out[i] = overlay(out[i], d)
			continue
		}
		index[id] = len(out)
		out = append(out, d)
	}
	return out
}

func overlay(base, d models.CheckDefinition) models.CheckDefinition {
	if d.Name != "" {
		base.Name = d.Name
	}
	if d.Severity != "" {
		base.Severity = d.Severity
	}
	if d.Category != "" {
		base.Category = d.Category
	}
	if len(d.Compliance) > 0 {
		base.Compliance = d.Compliance
	}
	if d.ManualOnly {
		base.ManualOnly = true
	}
	return base
}
