package util

import "strings"

// SanitizeText removes NUL bytes and non-printing control characters that PDF
// text extraction and model responses tend to leave behind, keeping common
// whitespace. Output must stay valid UTF-8 for the CSV sink.
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\x00", "")

	r := make([]rune, 0, len(s))
	for _, ch := range s {
		if ch == '\n' || ch == '\r' || ch == '\t' {
			r = append(r, ch)
			continue
		}
		if ch < 0x20 {
			continue
		}
		r = append(r, ch)
	}
	return strings.TrimSpace(string(r))
}
