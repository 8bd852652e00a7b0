package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Profile is a named pack of extra restrictions layered on top of the base
// configuration. Profiles are authored as TOML or YAML files so operators
// can share hardening presets between deployments.
type Profile struct {
	Name            string   `toml:"name" yaml:"name"`
	Description     string   `toml:"description" yaml:"description"`
	BlockedPaths    []string `toml:"blocked_paths" yaml:"blocked_paths"`
	BlockedPatterns []string `toml:"blocked_patterns" yaml:"blocked_patterns"`
	ReadOnly        bool     `toml:"read_only" yaml:"read_only"`
}

// LoadProfile reads one profile file, choosing the decoder by extension.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}

	var p Profile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse toml profile %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse yaml profile %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("profile %s: unsupported format (use .toml or .yaml)", path)
	}

	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &p, nil
}

// LoadProfiles loads every listed profile file, failing on the first error.
func LoadProfiles(paths []string) ([]*Profile, error) {
	out := make([]*Profile, 0, len(paths))
	for _, p := range paths {
		prof, err := LoadProfile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, prof)
	}
	return out, nil
}

// Apply merges the profile's restrictions into the policy being built.
// Profiles only ever tighten: they can add blocks and force read-only, never
// relax anything.
func (p *Profile) Apply(pol *Policy) error {
	for _, bp := range p.BlockedPaths {
		pol.BlockedPaths = append(pol.BlockedPaths, filepath.Clean(bp))
	}
	res, err := CompileGlobs(p.BlockedPatterns)
	if err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	pol.BlockedPatterns = append(pol.BlockedPatterns, res...)
	if p.ReadOnly {
		pol.ReadOnly = true
	}
	return nil
}
