package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Expand resolves exec_if_modified patterns relative to cwd. Results are
// sorted and deduplicated. A literal path with no glob metacharacters is kept
// even when it does not exist.
func Expand(cwd string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if !doublestar.ValidatePattern(filepath.ToSlash(pat)) {
			return nil, fmt.Errorf("invalid glob pattern %q", pat)
		}
		abs := pat
		if !filepath.IsAbs(abs) && cwd != "" {
			abs = filepath.Join(cwd, pat)
		}
		if !hasMeta(pat) {
			add(filepath.Clean(abs))
			continue
		}
		base, rel := doublestar.SplitPattern(filepath.ToSlash(abs))
		matches, err := doublestar.Glob(os.DirFS(base), rel)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", pat, err)
		}
		for _, m := range matches {
			add(filepath.Join(filepath.FromSlash(base), filepath.FromSlash(m)))
		}
	}
	sort.Strings(out)
	return out, nil
}

func hasMeta(p string) bool { return strings.ContainsAny(p, "*?[{") }

// File is the observed state of one path.
type File struct {
	Path    string
	IsDir   bool
	Hash    string
	ModTime time.Time
}

// Inspect hashes path. Files hash their content; directories hash a sorted
// listing of their entries (type, mtime seconds, path, and file hashes).
func Inspect(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	f := File{Path: path, IsDir: info.IsDir(), ModTime: info.ModTime()}
	if f.IsDir {
		f.Hash, err = hashDir(path)
	} else {
		f.Hash, err = hashFile(path)
	}
	return f, err
}

func hashFile(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = fh.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashDir(root string) (string, error) {
	var lines []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			lines = append(lines, "error "+err.Error())
			return nil
		}
		if p == root {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			lines = append(lines, p)
			return nil
		}
		kind := "file"
		if d.IsDir() {
			kind = "dir"
		}
		lines = append(lines, fmt.Sprintf("%s %d %s", kind, info.ModTime().Unix(), p))
		if info.Mode().IsRegular() {
			if h, err := hashFile(p); err == nil {
				lines = append(lines, "hash "+h)
			} else {
				lines = append(lines, "hash_error "+p)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

// Combined is the fingerprint of a set of files: sha256 over the sorted
// (path, hash) pairs.
func Combined(files []File) string {
	sorted := append([]File(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	h := sha256.New()
	for _, f := range sorted {
		_, _ = io.WriteString(h, f.Path)
		_, _ = h.Write([]byte{0})
		_, _ = io.WriteString(h, f.Hash)
		_, _ = h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
