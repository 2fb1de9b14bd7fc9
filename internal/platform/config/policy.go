package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type GradeBand struct {
	Label string  `yaml:"label"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
}

// PolicyFile is the optional YAML document named by EVAL_POLICY_FILE. Zero values mean
// "use the built-in default"; the evaluation domain validates the rest.
type PolicyFile struct {
	PhaseSequencing       string      `yaml:"phaseSequencing"`
	SecondaryCombination  string      `yaml:"secondaryCombination"`
	MaxSelfEvaluationRate float64     `yaml:"maxSelfEvaluationRate"`
	GradeRanges           []GradeBand `yaml:"gradeRanges"`
}

func LoadPolicy(path string) (PolicyFile, error) {
	var policy PolicyFile
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return policy, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if policy.MaxSelfEvaluationRate != 0 && (policy.MaxSelfEvaluationRate < 100 || policy.MaxSelfEvaluationRate > 200) {
		return policy, fmt.Errorf("policy maxSelfEvaluationRate must be between 100 and 200")
	}
	return policy, nil
}
