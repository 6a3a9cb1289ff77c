package diagnostic

import "strings"

// Markers delimiting a result payload embedded in script output.
const (
	SentinelStart = "###HOSTAUDIT_JSON_START###"
	SentinelEnd   = "###HOSTAUDIT_JSON_END###"
)

// ExtractSentinel returns the trimmed text between the first start marker
// and the next end marker.
func ExtractSentinel(output string) (string, bool) {
	start := strings.Index(output, SentinelStart)
	if start < 0 {
		return "", false
	}
	rest := output[start+len(SentinelStart):]
	end := strings.Index(rest, SentinelEnd)
	if end < 0 {
		return "", false
	}
	payload := strings.TrimSpace(rest[:end])
	return payload, payload != ""
}
