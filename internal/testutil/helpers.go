package testutil

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
)

// CreateTestFile writes a file of the given size under dir, random or zeroed.
func CreateTestFile(dir, name string, size int64, random bool) (string, error) {
	data := make([]byte, size)
	if random {
		if _, err := rand.Read(data); err != nil {
			return "", err
		}
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// FileExists reports whether path names an existing file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CompareFiles reports whether two files hold identical bytes.
func CompareFiles(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}
