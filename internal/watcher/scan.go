package watcher

import (
	"os"
	"path/filepath"
	"strings"
)

// matchesPattern implements spec §4.2's acceptance rule: extension match
// against pattern, case-insensitive, dotfiles excluded.
func matchesPattern(name, pattern string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	wantExt := strings.ToLower(strings.TrimPrefix(pattern, "*"))
	return strings.ToLower(filepath.Ext(name)) == wantExt
}

// scanOnce lists directory one level deep (its direct file children plus
// the direct file children of its direct subdirectories) and returns the
// absolute paths of entries matching pattern.
func scanOnce(directory, pattern string) ([]string, error) {
	top, err := os.ReadDir(directory)
	if err != nil {
		return nil, err
	}

	var matches []string
	var subdirs []string
	for _, entry := range top {
		if entry.IsDir() {
			subdirs = append(subdirs, entry.Name())
			continue
		}
		if matchesPattern(entry.Name(), pattern) {
			matches = append(matches, filepath.Join(directory, entry.Name()))
		}
	}

	for _, sub := range subdirs {
		subPath := filepath.Join(directory, sub)
		children, err := os.ReadDir(subPath)
		if err != nil {
			continue // best-effort: an unreadable subdirectory doesn't fail the whole scan
		}
		for _, entry := range children {
			if entry.IsDir() {
				continue
			}
			if matchesPattern(entry.Name(), pattern) {
				matches = append(matches, filepath.Join(subPath, entry.Name()))
			}
		}
	}
	return matches, nil
}
