package client

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"imghost/internal/core"
)

// ValidationError reports a command-line path that cannot be uploaded.
type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

var imageExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true,
}

// CollectImages expands args into a list of files to upload. Files named
// directly are always included; directories contribute files with an image
// extension, descending into subdirectories when recursive is set.
// Duplicates are dropped and the result keeps argument order.
func CollectImages(args []string, recursive bool) ([]string, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}
		if !info.IsDir() {
			add(p)
			continue
		}

		found, err := scanDir(p, recursive)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: err.Error()}
		}
		for _, f := range found {
			add(f)
		}
	}

	if len(out) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no images found"}
	}
	return out, nil
}

func scanDir(root string, recursive bool) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && imageExts[core.FileExt(d.Name())] {
			found = append(found, path)
		}
		return nil
	})
	sort.Strings(found)
	return found, err
}
