package repair

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Item is one object of a script result artifact. Audit artifacts fill the
// descriptive fields; remediation artifacts add PreValue and PostValue.
type Item struct {
	CheckID       Text    `json:"check_id"`
	Status        Text    `json:"status"`
	Description   Text    `json:"description"`
	Category      Text    `json:"category"`
	CurrentValue  Text    `json:"current_value"`
	ExpectedValue Text    `json:"expected_value"`
	Details       Details `json:"details"`
	OSType        Text    `json:"os_type"`
	OSVersion     Text    `json:"os_version"`
	PreValue      Text    `json:"pre_value"`
	PostValue     Text    `json:"post_value"`
}

// Text accepts a JSON string, number, bool or null and keeps it as text.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	*t = Text(data)
	return nil
}

func (t Text) String() string { return string(t) }

// Detail is one element of a details field: either a line of text or a
// structured record of a remediation step.
type Detail struct {
	Text   string
	Fields map[string]string
}

// Details accepts a string, a list of strings, or a list mixing strings and
// objects.
type Details []Detail

func (d *Details) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = nil
		return nil
	}
	if data[0] != '[' {
		entry, err := decodeDetail(data)
		if err != nil {
			return err
		}
		*d = Details{entry}
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Details, 0, len(raw))
	for _, r := range raw {
		entry, err := decodeDetail(r)
		if err != nil {
			return err
		}
		out = append(out, entry)
	}
	*d = out
	return nil
}

func decodeDetail(data json.RawMessage) (Detail, error) {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return Detail{}, nil
	case data[0] == '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Detail{}, err
		}
		fields := make(map[string]string, len(m))
		for k, v := range m {
			var t Text
			if err := t.UnmarshalJSON(v); err != nil {
				fields[k] = string(v)
				continue
			}
			fields[k] = string(t)
		}
		return Detail{Fields: fields}, nil
	default:
		var t Text
		if err := t.UnmarshalJSON(data); err != nil {
			return Detail{Text: string(data)}, nil
		}
		return Detail{Text: string(t)}, nil
	}
}

// Lines returns each entry trimmed, dropping empty ones. Structured entries
// are rendered with Step.
func (d Details) Lines() []string {
	out := make([]string, 0, len(d))
	for _, entry := range d {
		if entry.Fields != nil {
			out = append(out, entry.Step()...)
			continue
		}
		if s := strings.TrimSpace(entry.Text); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ExpandedLines is Lines with literal "\n" sequences split into lines, the
// form remediation scripts use for multi-line command output.
func (d Details) ExpandedLines() []string {
	var out []string
	for _, line := range d.Lines() {
		out = append(out, SplitLines(line)...)
	}
	return out
}

// String joins the lines with "; ".
func (d Details) String() string {
	return strings.Join(d.Lines(), "; ")
}

// Field aliases used by remediation scripts for a structured step.
var (
	beforeKeys  = []string{"before", "pre_value", "조치 전 상태"}
	afterKeys   = []string{"after", "post_value", "조치 후 상태"}
	commandKeys = []string{"command", "조치 명령어"}
	detailKeys  = []string{"detail", "details", "세부 내역", "세부내용"}
)

func firstField(fields map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(fields[k]); v != "" {
			return v
		}
	}
	return ""
}

// Step renders a structured entry as before/after/command lines followed by
// its detail text. Unknown keys are rendered as "key: value" in key order.
func (e Detail) Step() []string {
	if e.Fields == nil {
		return SplitLines(e.Text)
	}
	var out []string
	if v := firstField(e.Fields, beforeKeys); v != "" {
		out = append(out, "before: "+v)
	}
	if v := firstField(e.Fields, afterKeys); v != "" {
		out = append(out, "after: "+v)
	}
	if v := firstField(e.Fields, commandKeys); v != "" {
		out = append(out, "command: "+v)
	}
	if v := firstField(e.Fields, detailKeys); v != "" {
		out = append(out, SplitLines(v)...)
	}
	if len(out) > 0 {
		return out
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := strings.TrimSpace(e.Fields[k]); v != "" {
			out = append(out, k+": "+v)
		}
	}
	return out
}

// SplitLines splits on real and literal "\n" line breaks, trimming each line
// and dropping empty ones.
func SplitLines(s string) []string {
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, "\r", "")
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
