package constitution

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a ruleset.
type File struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Load reads and compiles a ruleset from a YAML file.
func Load(path string) (*Ruleset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read constitution %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse compiles a ruleset from YAML bytes.
func Parse(raw []byte) (*Ruleset, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse constitution: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("constitution missing version")
	}
	return New(f.Version, f.Rules)
}
