package tools

import (
	"math"
	"time"
)

// ExecutorConfig controls how the Executor runs calls.
type ExecutorConfig struct {
	// DefaultTimeout applies to tools that do not declare their own.
	DefaultTimeout time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout: 3 * time.Second,
	}
}

func (c ExecutorConfig) WithDefaultTimeout(d time.Duration) ExecutorConfig {
	c.DefaultTimeout = d
	return c
}

// RetryConfig defines bounded retry for background tool execution.
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	BackoffBase   time.Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffFactor float64       `json:"backoff_factor" mapstructure:"backoff_factor"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		BackoffBase:   time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry reports whether another attempt is allowed after a failed
// attempt (0-based) and how long to wait before it.
func (rc RetryConfig) ShouldRetry(attempt int, res ToolResult) (bool, time.Duration) {
	if res.Success || attempt >= rc.MaxRetries {
		return false, 0
	}
	if res.Error != nil && (res.Error.Kind == ErrorValidation || res.Error.Kind == ErrorCancelled) {
		return false, 0
	}
	factor := rc.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	return true, time.Duration(float64(rc.BackoffBase) * math.Pow(factor, float64(attempt)))
}
