package worker

import (
	"os"
	"path/filepath"
)

// tensorizerDirName is the sibling directory xinference-derived caches use
// for tensorizer-serialized weights, a sibling of the model's own cache
// directory rather than a subdirectory of it.
const tensorizerDirName = "tensorizer"

// deletablePaths expands a Cache Tracker-reported location into the set of
// files the Worker will physically delete (spec §6 "Persisted state":
// "follow symlinks, delete files and their enclosing directories, plus any
//'tensorizer' sibling directory"). A file location is resolved to its
// enclosing directory first; every directory entry, plus the resolved
// symlink targets, plus any tensorizer sibling directory's own entries,
// make up the result.
func deletablePaths(location string) []string {
	if location == "" {
		return nil
	}

	dir := location
	if info, err := os.Stat(location); err == nil && !info.IsDir() {
		dir = filepath.Dir(location)
	}

	seen := make(map[string]struct{})
	add := func(p string) {
		seen[p] = struct{}{}
	}

	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			p := filepath.Join(dir, e.Name())
			add(p)
			if real, err := filepath.EvalSymlinks(p); err == nil && real != p {
				add(real)
			}
		}
	}

	tensorizerDir := filepath.Join(filepath.Dir(dir), tensorizerDirName)
	if info, err := os.Stat(tensorizerDir); err == nil && info.IsDir() {
		tEntries, err := os.ReadDir(tensorizerDir)
		if err == nil {
			for _, e := range tEntries {
				add(filepath.Join(tensorizerDir, e.Name()))
			}
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

// removePaths deletes every path in paths (following the same
// symlink/file/directory dispatch as the reference implementation),
// then removes each path's now-possibly-empty enclosing directory. It
// stops and returns the first error encountered, matching the "fail fast,
// leave the rest for a retry" behaviour of confirm_and_remove_model.
func removePaths(paths []string) error {
	dirs := make(map[string]struct{})
	for _, p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}

		info, err := os.Lstat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(p); err != nil {
				return err
			}
			continue
		}
		if info.IsDir() {
			if err := os.RemoveAll(p); err != nil {
				return err
			}
			continue
		}
		if err := os.Remove(p); err != nil {
			return err
		}
	}

	for dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	return nil
}
