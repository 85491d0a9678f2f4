// Package character defines the persona an agent runs as and loads
// character files. Files are JSON (comments and trailing commas allowed)
// or YAML, selected by extension.
package character

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Namespace seeds name-derived character ids so a name always maps to
// the same id.
var Namespace = uuid.MustParse("6f1c8a52-3d0e-4c8b-9b7a-2f4e5d6c7b8a")

// Secret keys read from Settings.Secrets.
const (
	SecretWalletPublicKey = "WALLET_PUBLIC_KEY"
	SecretSolanaRPCURL    = "SOLANA_RPC_URL"
)

// Character is one agent persona.
type Character struct {
	ID            uuid.UUID `json:"id,omitempty" yaml:"id,omitempty"`
	Name          string    `json:"name" yaml:"name"`
	Username      string    `json:"username,omitempty" yaml:"username,omitempty"`
	System        string    `json:"system,omitempty" yaml:"system,omitempty"`
	Bio           Lines     `json:"bio,omitempty" yaml:"bio,omitempty"`
	Lore          Lines     `json:"lore,omitempty" yaml:"lore,omitempty"`
	Topics        []string  `json:"topics,omitempty" yaml:"topics,omitempty"`
	ModelProvider string    `json:"modelProvider,omitempty" yaml:"modelProvider,omitempty"`
	Model         string    `json:"model,omitempty" yaml:"model,omitempty"`
	Clients       []string  `json:"clients,omitempty" yaml:"clients,omitempty"`
	Settings      Settings  `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Settings holds per-character configuration.
type Settings struct {
	Secrets map[string]string `json:"secrets,omitempty" yaml:"secrets,omitempty"`
}

// Lines is a list of text lines that may be written as a single string
// or as an array.
type Lines []string

// UnmarshalJSON accepts a string or an array of strings.
func (l *Lines) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Lines{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err != nil {
		return err
	}
	*l = ss
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence.
func (l *Lines) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = Lines{node.Value}
		return nil
	}
	var ss []string
	if err := node.Decode(&ss); err != nil {
		return err
	}
	*l = ss
	return nil
}

// IDFromName returns the deterministic id for a character name.
func IDFromName(name string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(name))
}

// WithDefaults returns a copy with an id and username filled from the
// name when absent. The receiver is not modified.
func (c Character) WithDefaults() Character {
	out := c
	if out.ID == uuid.Nil {
		out.ID = IDFromName(out.Name)
	}
	if out.Username == "" {
		out.Username = out.Name
	}
	if len(c.Clients) > 0 {
		out.Clients = append([]string(nil), c.Clients...)
	}
	if c.Settings.Secrets != nil {
		out.Settings.Secrets = make(map[string]string, len(c.Settings.Secrets))
		for k, v := range c.Settings.Secrets {
			out.Settings.Secrets[k] = v
		}
	}
	return out
}

// Secret returns a per-character secret, or "".
func (c Character) Secret(key string) string {
	return c.Settings.Secrets[key]
}

// SystemPrompt returns the identity prompt for the chat endpoint. A
// character without an explicit system prompt gets one from its name
// and bio.
func (c Character) SystemPrompt() string {
	if c.System != "" {
		return c.System
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", c.Name)
	if len(c.Bio) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(c.Bio, " "))
	}
	return b.String()
}

// Validate checks the fields a runtime cannot do without.
func (c Character) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("character name is required")
	}
	return nil
}

// Parse decodes a character. format is "json" or "yaml".
func Parse(data []byte, format string) (Character, error) {
	var c Character
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Character{}, fmt.Errorf("parse character yaml: %w", err)
		}
	case "json":
		if err := json.Unmarshal(jsonc.ToJSON(data), &c); err != nil {
			return Character{}, fmt.Errorf("parse character json: %w", err)
		}
	default:
		return Character{}, fmt.Errorf("unsupported character format %q", format)
	}
	if err := c.Validate(); err != nil {
		return Character{}, err
	}
	return c, nil
}

// FormatFromPath maps a file extension to a Parse format.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// Load reads one character file.
func Load(path string) (Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Character{}, fmt.Errorf("read character %s: %w", path, err)
	}
	c, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return Character{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// SplitList splits a comma-separated path list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadAll loads each path in order, stopping at the first failure.
func LoadAll(paths []string) ([]Character, error) {
	out := make([]Character, 0, len(paths))
	for _, p := range paths {
		c, err := Load(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
