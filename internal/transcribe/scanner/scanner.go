// Package scanner enumerates audio inputs under a root path.
package scanner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// ErrInputNotFound is returned when the scan root does not exist.
var ErrInputNotFound = errors.New("input path does not exist")

// DefaultExtensions is the audio allow-list used when none is configured.
var DefaultExtensions = []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".aac"}

// NormalizeExtensions lowercases entries and adds a leading dot.
func NormalizeExtensions(exts []string) []string {
	out := lo.FilterMap(exts, func(e string, _ int) (string, bool) {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			return "", false
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		return e, true
	})
	return lo.Uniq(out)
}

// Matches reports whether path has an allowed extension.
func Matches(path string, exts []string) bool {
	return lo.Contains(exts, strings.ToLower(filepath.Ext(path)))
}

// Scan returns the files under root whose extension is in exts, sorted by
// full path. A file root is returned alone when it matches.
func Scan(root string, exts []string) ([]string, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	exts = NormalizeExtensions(exts)

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, root)
		}
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}

	if !info.IsDir() {
		if info.Mode().IsRegular() && Matches(root, exts) {
			return []string{root}, nil
		}
		return nil, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && Matches(path, exts) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.Strings(files)
	return files, nil
}
