package core

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxFilenameLen bounds the stored original name.
const maxFilenameLen = 255

// SecureFilename reduces a client-supplied name to a flat ASCII name safe to
// show back to users. Path separators become spaces, anything outside
// [A-Za-z0-9_.-] is dropped, whitespace runs become a single underscore and
// leading or trailing dots and underscores are trimmed. A name made only of
// non-ASCII characters can lose its extension entirely.
func SecureFilename(name string) string {
	name = norm.NFKD.String(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			b.WriteByte(' ')
		case r > 0x7F:
			// drop combining marks and anything else outside ASCII
		default:
			b.WriteRune(r)
		}
	}

	name = strings.Join(strings.Fields(b.String()), "_")

	b.Reset()
	for _, r := range name {
		if r == '_' || r == '.' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	name = strings.Trim(b.String(), "._")

	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) >= maxFilenameLen {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}
	return name
}

// FileExt returns the lower-cased extension of name without the dot.
func FileExt(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// EffectiveExt derives the extension used for policy checks. When the
// sanitized name carries none, the sniffed format supplies it.
func EffectiveExt(sanitized string, f Format) string {
	if ext := FileExt(sanitized); ext != "" {
		return ext
	}
	return f.Ext()
}
