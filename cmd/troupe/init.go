package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/troupe/examples"
)

// runInit writes a default config and a sample character into dir.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Troupe workspace in %s\n", dir)

	for _, sub := range []string{"characters", "data"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		path    string
		content []byte
		perm    os.FileMode
	}{
		// The config may hold API keys.
		{filepath.Join(dir, "config.yaml"), examples.ConfigYAML, 0o600},
		{filepath.Join(dir, "characters", "bob.json"), examples.CharacterJSON, 0o644},
	}
	for _, f := range files {
		wrote, err := writeIfMissing(f.path, f.content, f.perm)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(w, "  ✓ %s\n", f.path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, skipping)\n", f.path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then start with:")
	fmt.Fprintf(w, "  troupe --config %s --characters %s\n",
		filepath.Join(dir, "config.yaml"), filepath.Join(dir, "characters", "bob.json"))
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, and reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
