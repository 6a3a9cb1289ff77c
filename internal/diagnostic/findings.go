package diagnostic

import (
	"strings"

	"github.com/rcourtman/hostaudit/internal/catalog"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/rcourtman/hostaudit/internal/repair"
)

// BuildFindings turns decoded result items into findings. Items sharing an
// identifier collapse to the last one, kept at the position of the first.
// Items without an identifier are dropped.
func BuildFindings(items []repair.Item, cat *catalog.Catalog) []models.Finding {
	index := make(map[string]int, len(items))
	var out []models.Finding
	for _, item := range items {
		id := models.NormalizeCheckID(item.CheckID.String())
		if id == "" {
			continue
		}
		f := Enrich(id, item, cat)
		if i, seen := index[id]; seen {
			out[i] = f
			continue
		}
		index[id] = len(out)
		out = append(out, f)
	}
	return out
}

// Enrich builds one finding. Catalog metadata wins for known identifiers;
// unknown identifiers take the item's description and category and fall
// back to catalog defaults.
func Enrich(id string, item repair.Item, cat *catalog.Catalog) models.Finding {
	status := models.ParseStatus(item.Status.String())
	def, known := cat.Lookup(id)

	f := models.Finding{
		ID:            id,
		Status:        status,
		CurrentValue:  strings.TrimSpace(item.CurrentValue.String()),
		ExpectedValue: strings.TrimSpace(item.ExpectedValue.String()),
		Details:       item.Details.Lines(),
		OSType:        strings.TrimSpace(item.OSType.String()),
		OSVersion:     strings.TrimSpace(item.OSVersion.String()),
	}
	if f.Details == nil {
		f.Details = []string{}
	}

	if known {
		f.Name = def.Name
		f.Severity = def.Severity
		f.Category = def.Category
		f.Compliance = append([]string{}, def.Compliance...)
	} else {
		fallback := cat.Resolve(id)
		f.Name = firstNonEmpty(item.Description.String(), fallback.Name)
		f.Severity = fallback.Severity
		f.Category = firstNonEmpty(item.Category.String(), fallback.Category)
		f.Compliance = []string{}
	}
	f.ManualRemediation = status == models.StatusManual || cat.ManualOnly(id)
	return f
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
