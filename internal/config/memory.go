package config

import "fmt"

// MemoryConfig configures the three-tier trace store and the memory manager.
type MemoryConfig struct {
	// HotCapacity is the soft cap on hot-tier record count. Exceeding it
	// makes the next consolidation due; a failed consolidation may leave
	// the hot tier over capacity (degraded, never lossy).
	HotCapacity int `yaml:"hot_capacity"`

	// HotMaxAge makes consolidation due when the oldest unflushed hot
	// record exceeds this age.
	HotMaxAge Duration `yaml:"hot_max_age"`

	// ConsolidateBatch is K: how many of the oldest hot records one
	// consolidation folds into a single warm summary.
	ConsolidateBatch int `yaml:"consolidate_batch"`

	// WarmMaxAge is the age past which warm records are embedded and
	// archived to the cold tier.
	WarmMaxAge Duration `yaml:"warm_max_age"`

	// ColdTTL evicts cold records older than this (critical records are
	// never evicted).
	ColdTTL Duration `yaml:"cold_ttl"`

	// ColdMaxRecords caps the cold tier; least-relevant/least-recent
	// records are evicted first when over the cap.
	ColdMaxRecords int `yaml:"cold_max_records"`

	// ConsolidateInterval is how often the background worker checks
	// whether a flush is due.
	ConsolidateInterval Duration `yaml:"consolidate_interval"`

	// RetryBackoff is the initial backoff after a failed consolidation,
	// doubled per attempt up to RetryMax attempts per wakeup.
	RetryBackoff Duration `yaml:"retry_backoff"`
	RetryMax     int      `yaml:"retry_max"`
}

// DefaultMemoryConfig returns memory tier defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		HotCapacity:         50,
		HotMaxAge:           Hours(6),
		ConsolidateBatch:    10,
		WarmMaxAge:          Hours(72),
		ColdTTL:             Hours(24 * 90),
		ColdMaxRecords:      100000,
		ConsolidateInterval: Seconds(30),
		RetryBackoff:        Seconds(1),
		RetryMax:            5,
	}
}

// Validate checks memory settings.
func (c MemoryConfig) Validate() error {
	if c.HotCapacity <= 0 {
		return fmt.Errorf("memory: hot_capacity must be positive, got %d", c.HotCapacity)
	}
	if c.ConsolidateBatch <= 0 {
		return fmt.Errorf("memory: consolidate_batch must be positive, got %d", c.ConsolidateBatch)
	}
	if c.ConsolidateBatch > c.HotCapacity {
		return fmt.Errorf("memory: consolidate_batch (%d) must not exceed hot_capacity (%d)",
			c.ConsolidateBatch, c.HotCapacity)
	}
	if c.HotMaxAge.Value() <= 0 {
		return fmt.Errorf("memory: hot_max_age must be positive")
	}
	if c.WarmMaxAge.Value() <= 0 {
		return fmt.Errorf("memory: warm_max_age must be positive")
	}
	if c.ColdTTL.Value() <= 0 {
		return fmt.Errorf("memory: cold_ttl must be positive")
	}
	if c.ColdMaxRecords <= 0 {
		return fmt.Errorf("memory: cold_max_records must be positive, got %d", c.ColdMaxRecords)
	}
	if c.ConsolidateInterval.Value() <= 0 {
		return fmt.Errorf("memory: consolidate_interval must be positive")
	}
	if c.RetryBackoff.Value() <= 0 {
		return fmt.Errorf("memory: retry_backoff must be positive")
	}
	if c.RetryMax <= 0 {
		return fmt.Errorf("memory: retry_max must be positive, got %d", c.RetryMax)
	}
	return nil
}

// FrameConfig configures frame assembly.
type FrameConfig struct {
	// Budget is the default token budget for one frame.
	Budget int `yaml:"budget"`

	// CandidateLimit caps how many records the store is asked for before
	// dedup and compression.
	CandidateLimit int `yaml:"candidate_limit"`

	// FoldGroupSize is how many low-priority entries one recursive
	// summarization pass folds into a single synthetic entry.
	FoldGroupSize int `yaml:"fold_group_size"`
}

// DefaultFrameConfig returns frame defaults.
func DefaultFrameConfig() FrameConfig {
	return FrameConfig{
		Budget:         4096,
		CandidateLimit: 200,
		FoldGroupSize:  8,
	}
}

// Validate checks frame settings.
func (c FrameConfig) Validate() error {
	if c.Budget <= 0 {
		return fmt.Errorf("frame: budget must be positive, got %d", c.Budget)
	}
	if c.CandidateLimit <= 0 {
		return fmt.Errorf("frame: candidate_limit must be positive, got %d", c.CandidateLimit)
	}
	if c.FoldGroupSize < 2 {
		return fmt.Errorf("frame: fold_group_size must be at least 2, got %d", c.FoldGroupSize)
	}
	return nil
}
