package utils

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// URLBasename returns the last path element of a URL, or "" when the URL has
// no usable name.
func URLBasename(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return ""
	}
	return name
}

// URLExtension returns the lowercased extension of the URL path without the
// dot, ignoring query strings.
func URLExtension(rawURL string) string {
	name := URLBasename(rawURL)
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	return strings.ToLower(ext)
}

// SanitizeFilename strips characters that are unsafe in output filenames.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	name = replacer.Replace(name)
	return strings.TrimSpace(name)
}
