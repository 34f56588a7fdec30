package utils

import (
	"html"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const maxFilenameRunes = 200

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeFilename strips markup and path components from a user supplied file name.
func SanitizeFilename(name string) string {
	name = html.UnescapeString(strictPolicy.Sanitize(name))
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == '"' || r == 0x7f || r == utf8.RuneError {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "image"
	}
	return truncateName(name, maxFilenameRunes)
}

// truncateName cuts on rune boundaries and keeps a short extension.
func truncateName(name string, limit int) string {
	if utf8.RuneCountInString(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	if utf8.RuneCountInString(ext) > 16 {
		ext = ""
	}
	base := []rune(strings.TrimSuffix(name, ext))
	keep := limit - utf8.RuneCountInString(ext)
	if keep > len(base) {
		keep = len(base)
	}
	return string(base[:keep]) + ext
}
