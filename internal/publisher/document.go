package publisher

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitalis-app/governor/internal/models"
)

// Document is the configuration contract read by the collection agent.
type Document struct {
	Profile     string     `yaml:"profile"`
	GeneratedAt time.Time  `yaml:"generated_at"`
	InstanceID  string     `yaml:"instance_id,omitempty"`
	Thresholds  Thresholds `yaml:"thresholds"`
}

// Thresholds are the filter settings the agent applies. An entity is kept
// when any one of them is met.
type Thresholds struct {
	MinImportance float64 `yaml:"min_importance"`
	CPUPercent    float64 `yaml:"cpu_percent"`
	MemoryPercent float64 `yaml:"memory_percent"`
	TargetSeries  int     `yaml:"target_series"`
	MaxSeries     int     `yaml:"max_series,omitempty"`
}

// Render serializes profile into the agent's YAML document.
func Render(p models.Profile, instanceID string, at time.Time) ([]byte, error) {
	doc := Document{
		Profile:     p.Name,
		GeneratedAt: at.UTC(),
		InstanceID:  instanceID,
		Thresholds: Thresholds{
			MinImportance: p.MinImportance,
			CPUPercent:    p.CPUThreshold,
			MemoryPercent: p.MemoryThreshold,
			TargetSeries:  p.TargetSeries,
			MaxSeries:     p.MaxSeries,
		},
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("render profile document: %w", err)
	}
	header := []byte("# Generated by governor. Changes are overwritten on the next transition.\n")
	return append(header, data...), nil
}
