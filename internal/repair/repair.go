// Package repair decodes the near-JSON emitted by the audit and remediation
// scripts. The scripts build their output with shell string concatenation and
// produce a small set of recurring syntax defects; this package fixes those
// defects and nothing else. It never invents values.
package repair

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Pass is one pure text transform.
type Pass struct {
	Name  string
	Apply func([]byte) []byte
}

func regexPass(name, pattern, replacement string) Pass {
	re := regexp.MustCompile(pattern)
	repl := []byte(replacement)
	return Pass{Name: name, Apply: func(b []byte) []byte { return re.ReplaceAll(b, repl) }}
}

func literalPass(name, old, replacement string) Pass {
	o, r := []byte(old), []byte(replacement)
	return Pass{Name: name, Apply: func(b []byte) []byte { return bytes.ReplaceAll(b, o, r) }}
}

// StructuralPasses fix the known item-separator and quoting signatures. They
// run on the raw text with line breaks intact.
var StructuralPasses = []Pass{
	regexPass("doubled-separator", `\}\s*,\s*,\s*\{`, "},{"),
	regexPass("premature-array-end", `\}\s*\]\s*,\s*\{(\s*)"check_id"`, `},{$1"check_id"`),
	regexPass("missing-separator", `\}(\s*)\{(\s*)"check_id"`, `},$1{$2"check_id"`),
	// A value whose closing quote was emitted as a backslash.
	regexPass("escaped-close-quote", `([^\\])\\\}\s*,\s*\{`, `$1"},{`),
	literalPass("quadruple-quote", `""""`, `""`),
	literalPass("empty-quoted-parens", `("")`, `()`),
	regexPass("bare-empty-quotes", `([^\s",:\[\{]) "" ([^\s",:\]\}])`, `$1 (none) $2`),
	{Name: "stray-quote-before-hash", Apply: strayQuoteBeforeHash},
}

// EscapePass doubles illegal backslash escapes inside string spans.
var EscapePass = Pass{Name: "escape", Apply: func(b []byte) []byte { return mapStrings(b, escapeContent) }}

// ControlPass escapes raw control characters inside string spans.
var ControlPass = Pass{Name: "control", Apply: func(b []byte) []byte { return mapStrings(b, controlContent) }}

// strayQuoteBeforeHash handles banner text such as `"not runni"####` where a
// quote inside the value closed the string early. Outside a string a '#' is
// never legal, so the quote is turned back into a line break.
func strayQuoteBeforeHash(b []byte) []byte {
	out := make([]byte, 0, len(b))
	inString := false
	for i := 0; i < len(b); i++ {
		c := b[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			out = append(out, c)
			continue
		}
		switch c {
		case '\\':
			out = append(out, c)
			if i+1 < len(b) {
				out = append(out, b[i+1])
				i++
			}
		case '"':
			if i+1 < len(b) && (b[i+1] == '#' || (b[i+1] == '\n' && i+2 < len(b) && b[i+2] == '#')) {
				out = append(out, '\\', 'n')
				if b[i+1] == '\n' {
					i++
				}
				continue
			}
			inString = false
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

// Repairer runs the structural passes, then the escape pass, then the
// control-character pass, then decodes.
type Repairer struct {
	passes []Pass
}

// New returns a repairer with the default structural passes followed by any
// extra project-specific ones.
func New(extra ...Pass) *Repairer {
	passes := make([]Pass, 0, len(StructuralPasses)+len(extra)+2)
	passes = append(passes, StructuralPasses...)
	passes = append(passes, extra...)
	passes = append(passes, EscapePass, ControlPass)
	return &Repairer{passes: passes}
}

// Passes returns the pass names in execution order.
func (r *Repairer) Passes() []string {
	names := make([]string, len(r.passes))
	for i, p := range r.passes {
		names[i] = p.Name
	}
	return names
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Repair returns raw with every pass applied. Input that is already valid
// JSON is returned unchanged.
func (r *Repairer) Repair(raw []byte) []byte {
	raw = bytes.TrimPrefix(bytes.TrimSpace(raw), utf8BOM)
	if json.Valid(raw) {
		return raw
	}
	out := append([]byte(nil), raw...)
	for _, p := range r.passes {
		next := p.Apply(out)
		if !bytes.Equal(next, out) {
			metrics.RecordRepairPass(p.Name)
			log.Debug().Str("pass", p.Name).Msg("Repair pass changed payload")
		}
		out = next
	}
	return out
}

// Decode repairs raw and decodes it as a list of items. path names the
// artifact in the returned ParseFailure.
func (r *Repairer) Decode(raw []byte, path string) ([]Item, error) {
	fixed := r.Repair(raw)
	if len(fixed) == 0 {
		return nil, auditerrors.NewParseFailure(path, fmt.Errorf("empty payload"))
	}
	var items []Item
	if err := json.Unmarshal(fixed, &items); err != nil {
		return nil, auditerrors.NewParseFailure(path, err)
	}
	return items, nil
}

var defaultRepairer = New()

// Decode uses the default passes.
func Decode(raw []byte, path string) ([]Item, error) {
	return defaultRepairer.Decode(raw, path)
}
