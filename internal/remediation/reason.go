package remediation

import (
	"strings"
)

// Lines remediation scripts print about their own bookkeeping. They are
// noise in a failure reason.
var internalMarkers = []string{
	"remediation complete:",
	"조치 완료:",
	ResultFileName,
}

// cleanOutput drops blank and internal lines from script output and caps it
// at limit bytes.
func cleanOutput(out string, limit int) string {
	out = strings.ReplaceAll(out, "\r", "")
	var kept []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" || isInternalLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	snippet := strings.Join(kept, "\n")
	if limit > 0 && len(snippet) > limit {
		snippet = truncateUTF8(snippet, limit)
	}
	return strings.TrimSpace(snippet)
}

func isInternalLine(line string) bool {
	lower := strings.ToLower(line)
	for _, m := range internalMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// withOutput appends the script output snippet to a verification detail.
func withOutput(detail, output string, limit int) string {
	if snippet := cleanOutput(output, limit); snippet != "" {
		return detail + " (script output: " + snippet + ")"
	}
	return detail
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
