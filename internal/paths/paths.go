// Package paths resolves the on-disk locations Troupe reads and writes:
// the data directory holding each agent's database, and character file
// references that may use a named prefix such as "characters:bob.json".
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DataDir returns the absolute data directory. An empty configured value
// selects "data" next to the directory holding the executable.
func DataDir(configured string) (string, error) {
	if configured != "" {
		return filepath.Abs(ExpandHome(configured))
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Clean(filepath.Join(filepath.Dir(exe), "..", "data")), nil
}

// Resolver maps named prefixes to directories. A nil *Resolver returns
// paths unchanged.
type Resolver struct {
	prefixes map[string]string // "characters:" -> "/abs/dir"
	sorted   []string          // longest first
}

// NewResolver builds a Resolver. Keys are prefix names without the
// colon; values may start with ~. Returns nil for an empty map.
func NewResolver(prefixes map[string]string) *Resolver {
	if len(prefixes) == 0 {
		return nil
	}
	m := make(map[string]string, len(prefixes))
	sorted := make([]string, 0, len(prefixes))
	for name, dir := range prefixes {
		key := strings.TrimSuffix(name, ":") + ":"
		m[key] = ExpandHome(dir)
		sorted = append(sorted, key)
	}
	// "char:" must not shadow "characters:".
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) > len(sorted[j])
	})
	return &Resolver{prefixes: m, sorted: sorted}
}

// Resolve expands a prefixed path. Unprefixed paths only get ~
// expansion. A bare prefix resolves to its directory.
func (r *Resolver) Resolve(path string) string {
	if r != nil {
		for _, prefix := range r.sorted {
			if rel, ok := strings.CutPrefix(path, prefix); ok {
				if rel == "" {
					return r.prefixes[prefix]
				}
				return filepath.Join(r.prefixes[prefix], rel)
			}
		}
	}
	return ExpandHome(path)
}

// Prefixes returns the registered prefix names, sorted.
func (r *Resolver) Prefixes() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.prefixes))
	for prefix := range r.prefixes {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
