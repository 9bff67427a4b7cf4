package screen

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrRootNotFound reports that the discovery root does not exist.
var ErrRootNotFound = errors.New("screen: source root not found")

// ExcludeFunc reports whether a candidate file should be skipped. rel is the
// candidate's path relative to the discovery root, using forward slashes.
type ExcludeFunc func(rel string) bool

// ExcludeList builds an ExcludeFunc from an explicit denylist of file names
// and directory names. Matching is case-insensitive on the base name and on
// each directory component.
func ExcludeList(names, dirs []string) ExcludeFunc {
	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	dirSet := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		dirSet[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return func(rel string) bool {
		parts := strings.Split(rel, "/")
		base := strings.ToLower(parts[len(parts)-1])
		if _, ok := nameSet[base]; ok {
			return true
		}
		for _, part := range parts[:len(parts)-1] {
			if _, ok := dirSet[strings.ToLower(part)]; ok {
				return true
			}
		}
		return false
	}
}

// Discover enumerates files under root whose names end in suffix, excluding
// anything the exclude predicate rejects, and materializes a pending Screen
// for each. Results are sorted by name so discovery order is stable.
//
// A missing root returns ErrRootNotFound without partial results; the caller
// treats that as pipeline-fatal.
func Discover(root, suffix string, exclude ExcludeFunc) ([]*Screen, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRootNotFound, root)
		}
		return nil, fmt.Errorf("screen: stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRootNotFound, root)
	}
	if exclude == nil {
		exclude = func(string) bool { return false }
	}

	var screens []*Screen
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if exclude(rel) {
			return nil
		}
		full, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		screens = append(screens, &Screen{
			Name:     name,
			Path:     rel,
			FullPath: full,
			Status:   StatusPending,
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("screen: scan %s: %w", root, walkErr)
	}

	sort.SliceStable(screens, func(i, j int) bool {
		return screens[i].Name < screens[j].Name
	})
	return screens, nil
}
