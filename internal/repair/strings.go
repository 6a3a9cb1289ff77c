package repair

// mapStrings rewrites the content of every double-quoted span in b with fn
// and copies everything outside string spans verbatim. A span starts at an
// unescaped quote and ends at the next unescaped quote; a backslash always
// consumes the byte after it. An unterminated trailing span is copied as is.
func mapStrings(b []byte, fn func(dst, content []byte) []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/16)
	i := 0
	for i < len(b) {
		if b[i] != '"' {
			out = append(out, b[i])
			i++
			continue
		}
		end := spanEnd(b, i+1)
		if end < 0 {
			return append(out, b[i:]...)
		}
		out = append(out, '"')
		out = fn(out, b[i+1:end])
		out = append(out, '"')
		i = end + 1
	}
	return out
}

// spanEnd returns the index of the quote closing a span whose content starts
// at start, or -1.
func spanEnd(b []byte, start int) int {
	for j := start; j < len(b); j++ {
		switch b[j] {
		case '\\':
			j++
		case '"':
			return j
		}
	}
	return -1
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func validUnicodeEscape(content []byte, i int) bool {
	if i+6 > len(content) {
		return false
	}
	for _, c := range content[i+2 : i+6] {
		if !isHex(c) {
			return false
		}
	}
	return true
}

// escapeContent doubles every backslash that does not start a legal JSON
// escape, so `grep '^lp:\|^uucp:'` survives decoding as the literal text.
func escapeContent(dst, content []byte) []byte {
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c != '\\' {
			dst = append(dst, c)
			continue
		}
		if i+1 >= len(content) {
			// A trailing lone backslash would escape the closing quote.
			dst = append(dst, '\\', '\\')
			continue
		}
		switch next := content[i+1]; next {
		case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
			dst = append(dst, c, next)
			i++
		case 'u':
			if validUnicodeEscape(content, i) {
				dst = append(dst, content[i:i+6]...)
				i += 5
			} else {
				dst = append(dst, '\\', '\\')
			}
		default:
			dst = append(dst, '\\', '\\')
		}
	}
	return dst
}

// controlContent replaces raw control characters with their escape form,
// or a space when JSON has no short escape for them.
func controlContent(dst, content []byte) []byte {
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '\\' && i+1 < len(content) {
			dst = append(dst, c, content[i+1])
			i++
			continue
		}
		switch {
		case c == '\n':
			dst = append(dst, '\\', 'n')
		case c == '\r':
			dst = append(dst, '\\', 'r')
		case c == '\t':
			dst = append(dst, '\\', 't')
		case c < 0x20:
			dst = append(dst, ' ')
		default:
			dst = append(dst, c)
		}
	}
	return dst
}
