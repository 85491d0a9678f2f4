package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	r := NewResolver(map[string]string{
		"characters": "/srv/troupe/characters",
		"char":       "/srv/other",
		"data":       "~/troupe-data",
	})

	tests := []struct {
		path string
		want string
	}{
		{"characters:bob.json", filepath.Join("/srv/troupe/characters", "bob.json")},
		{"char:x.yaml", filepath.Join("/srv/other", "x.yaml")},
		{"characters:", "/srv/troupe/characters"},
		{"data:troupe.db", filepath.Join(home, "troupe-data", "troupe.db")},
		{"~/bob.json", filepath.Join(home, "bob.json")},
		{"relative/bob.json", "relative/bob.json"},
		{"unknown:bob.json", "unknown:bob.json"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := r.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_Nil(t *testing.T) {
	var r *Resolver
	if got := r.Resolve("characters:bob.json"); got != "characters:bob.json" {
		t.Errorf("nil Resolve() = %q", got)
	}
	if r.Prefixes() != nil {
		t.Error("nil Prefixes() should be nil")
	}
	if NewResolver(nil) != nil {
		t.Error("NewResolver(nil) should be nil")
	}
}

func TestPrefixes(t *testing.T) {
	r := NewResolver(map[string]string{"data": "/d", "characters:": "/c"})
	got := r.Prefixes()
	if len(got) != 2 || got[0] != "characters" || got[1] != "data" {
		t.Errorf("Prefixes() = %v", got)
	}
}

func TestDataDir(t *testing.T) {
	dir := t.TempDir()
	got, err := DataDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Errorf("DataDir(%q) = %q", dir, got)
	}

	def, err := DataDir("")
	if err != nil {
		t.Fatal(err)
	}
	exe, _ := os.Executable()
	exe, _ = filepath.EvalSymlinks(exe)
	want := filepath.Join(filepath.Dir(filepath.Dir(exe)), "data")
	if def != want {
		t.Errorf("DataDir(\"\") = %q, want %q", def, want)
	}
}
