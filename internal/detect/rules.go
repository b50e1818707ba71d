package detect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// LoadRules reads extra rules from a JSON or YAML file.
func LoadRules(path string) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules []Rule
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &rules); err != nil {
			return nil, fmt.Errorf("failed to parse YAML rules: %w", err)
		}
	case ".json":
		if err := sonic.Unmarshal(b, &rules); err != nil {
			return nil, fmt.Errorf("failed to parse JSON rules: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rules file format: %s", ext)
	}

	if len(rules) == 0 {
		return nil, errors.New("no rules found in rules file")
	}
	return rules, nil
}

// FromFile builds a Classifier from DefaultRules followed by the rules in
// path. An empty path yields the default classifier.
func FromFile(path string) (*Classifier, error) {
	if path == "" {
		return Default(), nil
	}
	extra, err := LoadRules(path)
	if err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(DefaultRules)+len(extra))
	rules = append(rules, DefaultRules...)
	rules = append(rules, extra...)
	return New(rules)
}
