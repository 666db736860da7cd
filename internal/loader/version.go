package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var dateToken = regexp.MustCompile(`(\d{8})`)

// FileSHA256 hashes the file contents for source identity.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("op=loader.hash: %w", err)
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("op=loader.hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DetermineVersion derives a "YYYY-Qn" version label from an 8-digit date
// token in the filename, falling back to the file's mtime quarter.
func DetermineVersion(path string) string {
	base := filepath.Base(path)
	if m := dateToken.FindString(base); m != "" {
		if t, err := time.Parse("20060102", m); err == nil {
			return quarterLabel(t)
		}
	}
	if info, err := os.Stat(path); err == nil {
		return quarterLabel(info.ModTime())
	}
	return quarterLabel(time.Now())
}

func quarterLabel(t time.Time) string {
	q := (int(t.Month())-1)/3 + 1
	return fmt.Sprintf("%d-Q%d", t.Year(), q)
}

// SourceNameWithVersion composes the display name stored on the source row.
func SourceNameWithVersion(name, version string) string {
	if strings.Contains(name, version) {
		return name
	}
	return name + " " + version
}
