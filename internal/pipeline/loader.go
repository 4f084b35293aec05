package pipeline

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader scans directories for YAML pipeline definition files, parses them,
// and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a pipeline definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// parses each into a Definition. Every definition is validated before being
// returned.
func (l *Loader) LoadAll(directories []string) ([]Definition, error) {
	var defs []Definition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads, parses, and validates a single YAML definition file.
func (l *Loader) LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = path

	if err := Validate(def); err != nil {
		return Definition{}, err
	}

	return def, nil
}

// Validate checks a definition for structural problems: missing fields,
// duplicate stage names, and inverted SLA budgets.
func Validate(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("pipeline definition missing id (%s)", def.SourceFile)
	}
	if def.Source == "" {
		return fmt.Errorf("pipeline %q missing source", def.ID)
	}
	if len(def.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", def.ID)
	}

	seen := make(map[string]bool, len(def.Stages))
	for _, s := range def.Stages {
		if s.Name == "" {
			return fmt.Errorf("pipeline %q has a stage with no name", def.ID)
		}
		if seen[s.Name] {
			return fmt.Errorf("pipeline %q has duplicate stage %q", def.ID, s.Name)
		}
		seen[s.Name] = true

		if s.SoftBudget < 0 || s.HardCeiling < 0 {
			return fmt.Errorf("pipeline %q stage %q has a negative budget", def.ID, s.Name)
		}
		if s.SoftBudget > 0 && s.HardCeiling > 0 && s.HardCeiling < s.SoftBudget {
			return fmt.Errorf("pipeline %q stage %q hard ceiling below soft budget", def.ID, s.Name)
		}
	}
	return nil
}
