package pipeline

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Discover lists the input units under root. A file is a single unit named
// by its base name. A directory yields every regular file whose name matches
// pattern, descending into subdirectories only when recursive; paths under
// any of the exclude directories are skipped. Units are sorted by Rel.
func Discover(root, pattern string, recursive bool, exclude ...string) ([]Unit, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("cannot read input: %w", err)
	}
	if !info.IsDir() {
		return []Unit{{Path: root, Rel: filepath.Base(root), Size: info.Size()}}, nil
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	skip := make(map[string]bool, len(exclude))
	for _, dir := range exclude {
		if abs, err := filepath.Abs(dir); err == nil {
			skip[abs] = true
		}
	}

	var units []Unit
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if !recursive {
				return filepath.SkipDir
			}
			if abs, err := filepath.Abs(path); err == nil && skip[abs] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); !ok {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		units = append(units, Unit{Path: path, Rel: rel, Size: fi.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	sort.Slice(units, func(i, j int) bool { return units[i].Rel < units[j].Rel })
	return units, nil
}
