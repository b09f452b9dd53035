package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadPlanFile reads a YAML load plan
func LoadPlanFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read load plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan parses a YAML load plan and validates it
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse load plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid load plan: %w", err)
	}
	return &plan, nil
}

// Validate checks every table has a unique name and a well formed filter
func (p *Plan) Validate() error {
	if len(p.Tables) == 0 {
		return fmt.Errorf("no tables declared")
	}
	if p.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative")
	}
	seen := make(map[string]bool, len(p.Tables))
	for i, tc := range p.Tables {
		if tc.Name == "" {
			return fmt.Errorf("table %d has no name", i)
		}
		if seen[tc.Name] {
			return fmt.Errorf("table %s declared twice", tc.Name)
		}
		seen[tc.Name] = true
		if _, err := tc.Query(); err != nil {
			return fmt.Errorf("table %s: %w", tc.Name, err)
		}
	}
	return nil
}
