// Package catalog resolves check identifiers to their static metadata and
// carries the business policy that decides which items are never automated.
package catalog

import (
	"fmt"

	"github.com/rcourtman/hostaudit/internal/models"
)

// Provider hands out the catalog in effect. A *Catalog is its own provider;
// Reloader swaps catalogs when the policy file changes.
type Provider interface {
	Catalog() *Catalog
}

// Catalog is an immutable lookup table of check definitions plus policy.
// It is safe for concurrent use.
type Catalog struct {
	defs   map[string]models.CheckDefinition
	order  []string
	manual map[string]struct{}
	policy Policy
}

// New builds a catalog. Identifiers are normalised and must be unique.
func New(defs []models.CheckDefinition, policy Policy) (*Catalog, error) {
	policy = policy.withDefaults()
	c := &Catalog{
		defs:   make(map[string]models.CheckDefinition, len(defs)),
		manual: make(map[string]struct{}, len(policy.ManualOnly)),
		policy: policy,
	}

	for _, d := range defs {
		id := models.NormalizeCheckID(d.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: definition with empty id")
		}
		if _, dup := c.defs[id]; dup {
			return nil, fmt.Errorf("catalog: duplicate definition %s", id)
		}
		d.ID = id
		if d.Name == "" {
			d.Name = id
		}
		d.Severity = models.ParseSeverity(string(d.Severity))
		if d.Category == "" {
			d.Category = DefaultCategory
		}
		d.Compliance = append([]string(nil), d.Compliance...)
		c.defs[id] = d
		c.order = append(c.order, id)
	}

	for _, id := range policy.ManualOnly {
		c.manual[models.NormalizeCheckID(id)] = struct{}{}
	}
	for id, d := range c.defs {
		if _, ok := c.manual[id]; ok {
			d.ManualOnly = true
			c.defs[id] = d
		} else if d.ManualOnly {
			c.manual[id] = struct{}{}
		}
	}

	c.order = models.SortedIDs(c.order)
	return c, nil
}

// Default returns the built-in catalog with the default policy.
func Default() *Catalog {
	c, err := New(DefaultDefinitions, DefaultPolicy())
	if err != nil {
		panic(err)
	}
	return c
}

// Catalog implements Provider.
func (c *Catalog) Catalog() *Catalog { return c }

// Lookup returns the definition for id if the catalog knows it.
func (c *Catalog) Lookup(id string) (models.CheckDefinition, bool) {
	d, ok := c.defs[models.NormalizeCheckID(id)]
	if !ok {
		return models.CheckDefinition{}, false
	}
	d.Compliance = append([]string(nil), d.Compliance...)
	return d, true
}

// Resolve always returns a definition. Unknown identifiers get
// catalog-default metadata.
func (c *Catalog) Resolve(id string) models.CheckDefinition {
	if d, ok := c.Lookup(id); ok {
		return d
	}
	norm := models.NormalizeCheckID(id)
	_, manual := c.manual[norm]
	return models.CheckDefinition{
		ID:         norm,
		Name:       norm,
		Severity:   models.SeverityMedium,
		Category:   DefaultCategory,
		Compliance: []string{},
		ManualOnly: manual,
	}
}

// ManualOnly reports whether remediation of id must never be automated.
func (c *Catalog) ManualOnly(id string) bool {
	_, ok := c.manual[models.NormalizeCheckID(id)]
	return ok
}

// Definitions returns all definitions in catalog order.
func (c *Catalog) Definitions() []models.CheckDefinition {
	out := make([]models.CheckDefinition, 0, len(c.order))
	for _, id := range c.order {
		d, _ := c.Lookup(id)
		out = append(out, d)
	}
	return out
}

// ManualOnlyIDs returns the manual-only identifiers in catalog order.
func (c *Catalog) ManualOnlyIDs() []string {
	ids := make([]string, 0, len(c.manual))
	for id := range c.manual {
		ids = append(ids, id)
	}
	return models.SortedIDs(ids)
}

// Policy returns the policy the catalog was built with.
func (c *Catalog) Policy() Policy {
	p := c.policy
	p.ManualOnly = append([]string(nil), p.ManualOnly...)
	return p
}

// Len returns the number of definitions.
func (c *Catalog) Len() int { return len(c.defs) }

// Categories returns the distinct categories in first-seen catalog order.
func (c *Catalog) Categories() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range c.order {
		cat := c.defs[id].Category
		if _, ok := seen[cat]; ok {
			continue
		}
		seen[cat] = struct{}{}
		out = append(out, cat)
	}
	return out
}

// ByCategory groups definitions by category in catalog order.
func (c *Catalog) ByCategory() map[string][]models.CheckDefinition {
	out := make(map[string][]models.CheckDefinition)
	for _, d := range c.Definitions() {
		out[d.Category] = append(out[d.Category], d)
	}
	return out
}
