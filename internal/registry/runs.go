package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Run is a named experiment invocation from configs/runs.yaml.
type Run struct {
	Tool        string   `yaml:"tool"`
	Config      string   `yaml:"config"`
	Description string   `yaml:"description"`
	Overrides   []string `yaml:"overrides,omitempty"`
}

// Runs models configs/runs.yaml.
type Runs struct {
	Runs map[string]Run `yaml:"runs"`
}

// LoadRuns reads configs/runs.yaml. The error wraps fs.ErrNotExist when the
// file is absent.
func LoadRuns(layout Layout) (Runs, error) {
	var runs Runs
	content, err := os.ReadFile(layout.RunsPath())
	if err != nil {
		return runs, fmt.Errorf("open runs: %w", err)
	}
	if err := yaml.Unmarshal(content, &runs); err != nil {
		return runs, fmt.Errorf("parse runs %s: %w", layout.RunsPath(), err)
	}
	return runs, nil
}

func (r Runs) Names() []string {
	names := make([]string, 0, len(r.Runs))
	for name := range r.Runs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
