package util

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const bom = "\ufeff"

func StringPtr(v string) *string { return &v }

// NilIfEmpty returns nil for an empty string and a pointer to v otherwise.
func NilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func StripBOM(s string) string {
	return strings.TrimPrefix(s, bom)
}

const maxFileNameBytes = 120

// SanitizeFileName makes s safe to use as a single path element. Long names
// are shortened on a rune boundary and keep their extension.
func SanitizeFileName(input string) string {
	repl := strings.NewReplacer("<", "_", ">", "_", ":", "_", "/", "_", "\\", "_", "|", "_", "?", "_", "*", "_", " ", "_", "\"", "_")
	out := repl.Replace(strings.TrimSpace(input))
	if len(out) > maxFileNameBytes {
		ext := filepath.Ext(out)
		if len(ext) > maxFileNameBytes/4 {
			ext = ""
		}
		out = truncateRunes(strings.TrimSuffix(out, ext), maxFileNameBytes-len(ext)) + ext
	}
	if out == "" {
		out = "file"
	}
	return out
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
