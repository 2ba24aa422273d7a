// Package scheduler bounds the number of runs executing at once.
package scheduler

import "fmt"

// Config defines the run slot limits.
type Config struct {
	// GlobalMax is the maximum number of concurrently executing runs.
	GlobalMax int `yaml:"global-max"`
	// ByPipeline defines per-pipeline limits. Pipelines without an entry are
	// bounded by GlobalMax only.
	ByPipeline map[string]int `yaml:"by-pipeline"`
}

// DefaultConfig returns the default slot configuration.
func DefaultConfig() *Config {
	return &Config{
		GlobalMax:  10,
		ByPipeline: map[string]int{},
	}
}

// GetPipelineLimit returns the slot limit for a pipeline, or 0 when it has
// none of its own.
func (c *Config) GetPipelineLimit(pipeline string) int {
	if limit, ok := c.ByPipeline[pipeline]; ok {
		return limit
	}
	return 0
}

// Validate rejects non-positive limits.
func (c *Config) Validate() error {
	if c.GlobalMax < 1 {
		return fmt.Errorf("global-max must be at least 1, got %d", c.GlobalMax)
	}
	for name, limit := range c.ByPipeline {
		if limit < 1 {
			return fmt.Errorf("by-pipeline %s must be at least 1, got %d", name, limit)
		}
	}
	return nil
}
