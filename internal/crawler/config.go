package crawler

import (
	"fmt"
	"time"
)

// Config captures the engine knobs that do not depend on the data source.
type Config struct {
	// ItemsPerFile caps records per shard file.
	ItemsPerFile int
	// CountThreshold is how many consumed identifiers trigger a progress
	// report and a checkpoint.
	CountThreshold int
	// RetrySchedule is the delay slept before each fetch attempt.
	RetrySchedule []time.Duration
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		ItemsPerFile:   10000,
		CountThreshold: 100,
		RetrySchedule:  DefaultSchedule(),
	}
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	if c.ItemsPerFile <= 0 {
		return fmt.Errorf("crawl.items_per_file must be > 0")
	}
	if c.CountThreshold <= 0 {
		return fmt.Errorf("crawl.count_threshold must be > 0")
	}
	for i, d := range c.RetrySchedule {
		if d < 0 {
			return fmt.Errorf("retry.schedule[%d] must be >= 0", i)
		}
		if i > 0 && d < c.RetrySchedule[i-1] {
			return fmt.Errorf("retry.schedule must be ascending")
		}
	}
	return nil
}

func (s Source) validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if s.Fetcher == nil {
		return fmt.Errorf("source %s: fetcher is required", s.Name)
	}
	if s.Processor == nil {
		return fmt.Errorf("source %s: processor is required", s.Name)
	}
	if s.BatchSize <= 0 {
		return fmt.Errorf("source %s: batch size must be > 0", s.Name)
	}
	return nil
}
