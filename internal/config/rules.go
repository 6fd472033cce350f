package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ThresholdOverride replaces the default WARNING/CRITICAL/DANGER bands for
// one alert type on one sensor (§4.D: "each overridable per sensor via
// config"). A zero value for a band means "use the built-in default for
// that band".
type ThresholdOverride struct {
	SensorID string  `yaml:"sensor_id"`
	Type     string  `yaml:"type"`
	Warning  float64 `yaml:"warning,omitempty"`
	Critical float64 `yaml:"critical,omitempty"`
	Danger   float64 `yaml:"danger,omitempty"`
}

// RuleSet is the top-level document loaded from the per-sensor threshold
// override file, the same small-YAML-document shape the teacher uses for
// its Rules list.
type RuleSet struct {
	Overrides []ThresholdOverride `yaml:"overrides"`
}

// LoadRuleSet reads and parses the YAML rule-override document at path. A
// missing path is not an error: it returns an empty RuleSet, since
// per-sensor overrides are optional and the evaluator falls back to the
// built-in threshold table.
func LoadRuleSet(path string) (*RuleSet, error) {
	if path == "" {
		return &RuleSet{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &RuleSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: cannot read rule set %q: %w", path, err)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("config: cannot parse rule set %q: %w", path, err)
	}
	return &rs, nil
}
