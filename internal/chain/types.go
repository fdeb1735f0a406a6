// Package chain runs named, ordered sequences of tool dispatches that share
// one output map, with conditional skipping and parameter templating between
// steps.
package chain

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Condition operators.
const (
	OpEquals    = "equals"
	OpContains  = "contains"
	OpExists    = "exists"
	OpNotExists = "notExists"
)

// Condition gates a step on a value produced by an earlier step.
type Condition struct {
	OutputKey string `yaml:"outputKey" json:"outputKey"`
	Operator  string `yaml:"operator" json:"operator"`
	Value     any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// Step is one dispatch in a chain.
type Step struct {
	Backend   string         `yaml:"backend" json:"backend"`
	Tool      string         `yaml:"tool" json:"tool"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	OutputKey string         `yaml:"outputKey,omitempty" json:"outputKey,omitempty"`
	Condition *Condition     `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Definition is one named chain, loaded once at startup.
type Definition struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step         `yaml:"steps" json:"steps"`
	// FinalTransform is a params-shaped template resolved against the
	// accumulated output map after the last step.
	FinalTransform map[string]any `yaml:"finalTransform,omitempty" json:"finalTransform,omitempty"`
}

// StepStatus is the outcome of one executed (or skipped) step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepRecord is the audit entry for one step of a run.
type StepRecord struct {
	Index      int            `json:"index"`
	Backend    string         `json:"backend"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params,omitempty"`
	Status     StepStatus     `json:"status"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	SkipReason string         `json:"skipReason,omitempty"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    time.Time      `json:"endTime"`
}

// Summary aggregates step outcomes; the four counters always satisfy
// Successful+Failed+Skipped == TotalSteps.
type Summary struct {
	TotalSteps int `json:"totalSteps"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Result is the aggregated response of one chain run. Run state is
// process-lifetime only; nothing is persisted across restarts.
type Result struct {
	ChainName   string       `json:"chainName"`
	StartTime   time.Time    `json:"startTime"`
	EndTime     time.Time    `json:"endTime"`
	Steps       []StepRecord `json:"steps"`
	Summary     Summary      `json:"summary"`
	FinalOutput any          `json:"finalOutput,omitempty"`
}

type chainsFile struct {
	Chains []Definition `yaml:"chains"`
}

// Load reads chain definitions from a YAML file and validates them.
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chains file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates chain definitions from YAML bytes.
func Parse(data []byte) ([]Definition, error) {
	var f chainsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse chains file: %w", err)
	}

	seen := make(map[string]bool)
	for i, def := range f.Chains {
		if def.Name == "" {
			return nil, fmt.Errorf("chain %d: name is required", i)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("duplicate chain name %q", def.Name)
		}
		seen[def.Name] = true
		if len(def.Steps) == 0 {
			return nil, fmt.Errorf("chain %q: at least one step is required", def.Name)
		}
		for j, step := range def.Steps {
			if step.Backend == "" || step.Tool == "" {
				return nil, fmt.Errorf("chain %q step %d: backend and tool are required", def.Name, j)
			}
			if step.Condition != nil {
				if step.Condition.OutputKey == "" {
					return nil, fmt.Errorf("chain %q step %d: condition outputKey is required", def.Name, j)
				}
				switch step.Condition.Operator {
				case OpEquals, OpContains, OpExists, OpNotExists:
				default:
					return nil, fmt.Errorf("chain %q step %d: unknown condition operator %q",
						def.Name, j, step.Condition.Operator)
				}
			}
		}
	}
	return f.Chains, nil
}
