// Package plan loads the wave file produced by the dependency-ordering
// tooling. The orchestrator treats the file as authoritative: waves run in
// order, and issues within a wave are assumed safe to run in parallel.
package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
)

type waveFile struct {
	Waves []waveEntry `yaml:"waves"`
}

type waveEntry struct {
	Name   string       `yaml:"name"`
	Issues []issueEntry `yaml:"issues"`
}

type issueEntry struct {
	ID       string `yaml:"id"`
	Category string `yaml:"category"`
	Action   string `yaml:"action"`
	Priority int    `yaml:"priority"`
	File     string `yaml:"file"`
}

// Load reads and validates a wave file.
func Load(path string) ([]domain.Wave, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading wave file: %w", err)
	}
	return Parse(data)
}

// Parse decodes wave YAML and validates every issue.
func Parse(data []byte) ([]domain.Wave, error) {
	var wf waveFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing wave file: %w", err)
	}
	if len(wf.Waves) == 0 {
		return nil, fmt.Errorf("wave file contains no waves")
	}

	seen := make(map[string]string) // issue id -> wave name
	waves := make([]domain.Wave, 0, len(wf.Waves))
	for i, we := range wf.Waves {
		name := we.Name
		if name == "" {
			name = fmt.Sprintf("wave-%d", i+1)
		}
		if len(we.Issues) == 0 {
			return nil, fmt.Errorf("wave %s has no issues", name)
		}

		wave := domain.Wave{Name: name}
		for _, ie := range we.Issues {
			issue := domain.Issue{
				ID:       ie.ID,
				Category: ie.Category,
				Action:   ie.Action,
				Priority: ie.Priority,
				FilePath: ie.File,
			}
			if err := issue.Validate(); err != nil {
				return nil, fmt.Errorf("wave %s: %w", name, err)
			}
			if prev, dup := seen[issue.ID]; dup {
				return nil, fmt.Errorf("issue %s appears in both %s and %s", issue.ID, prev, name)
			}
			seen[issue.ID] = name
			wave.Issues = append(wave.Issues, issue)
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
