package engine

import (
	"bufio"
	"os"
	"strings"
)

// CookieHeader loads a cookies file and renders a Cookie header value.
// Netscape-format lines (seven tab-separated fields) contribute their
// name=value pair; any other non-comment line is taken as a raw
// "name=value" entry. Returns "" when the file is absent or empty.
func CookieHeader(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var pairs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if fields := strings.Split(line, "\t"); len(fields) == 7 {
			pairs = append(pairs, fields[5]+"="+fields[6])
			continue
		}
		if strings.Contains(line, "=") {
			pairs = append(pairs, line)
		}
	}
	return strings.Join(pairs, "; ")
}
