package service

import (
	"path/filepath"
	"strings"
)

const defaultFilename = "secret"

// sanitizeFilename keeps the base name and drops characters that would break
// a Content-Disposition header.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return defaultFilename
	}
	return name
}
