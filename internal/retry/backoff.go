package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"pressline/internal/domain"
)

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"` // retries after the first attempt
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	Jitter     bool          `yaml:"jitter" json:"jitter"`
	LogRetries bool          `yaml:"log_retries" json:"log_retries"`
	// Retryable decides whether a failure is worth another attempt. Nil retries everything.
	Retryable func(error) bool `yaml:"-" json:"-"`
}

// RetryResult describes how an operation went.
type RetryResult struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
	Success       bool
	RetryReasons  []string
}

// GenerationPolicy gives three attempts with exponential backoff starting at one second.
func GenerationPolicy() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		LogRetries: true,
		Retryable:  domain.IsRetryable,
	}
}

// AcquisitionPolicy allows a single retry after a fixed two second pause.
func AcquisitionPolicy() RetryConfig {
	return RetryConfig{
		MaxRetries: 1,
		BaseDelay:  2 * time.Second,
		MaxDelay:   2 * time.Second,
		Multiplier: 1.0,
		LogRetries: true,
		Retryable:  domain.IsRetryable,
	}
}

// RetryWithBackoff runs operation until it succeeds, the budget runs out,
// the error is not retryable, or ctx is done.
func RetryWithBackoff(ctx context.Context, config RetryConfig, name string, operation func(context.Context) error) RetryResult {
	start := time.Now()
	result := RetryResult{RetryReasons: make([]string, 0)}
	logger := log.With().Str("operation", name).Logger()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1
		err := operation(ctx)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(start)
			if config.LogRetries && attempt > 0 {
				logger.Info().Int("attempt", result.Attempts).Dur("elapsed", result.TotalDuration).Msg("succeeded after retry")
			}
			return result
		}
		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, err.Error())

		if config.Retryable != nil && !config.Retryable(err) {
			break
		}
		if attempt >= config.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}
		delay := calculateDelay(config, attempt)
		if config.LogRetries {
			logger.Warn().Err(err).Int("attempt", result.Attempts).Int("max_attempts", config.MaxRetries+1).Dur("backoff", delay).Msg("attempt failed, retrying")
		}
		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-time.After(delay):
		}
	}
	result.TotalDuration = time.Since(start)
	if config.LogRetries {
		logger.Error().Err(result.LastError).Int("attempts", result.Attempts).Dur("elapsed", result.TotalDuration).Msg("giving up")
	}
	return result
}

// calculateDelay returns base * multiplier^attempt, capped at MaxDelay, with optional jitter.
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.Jitter {
		// up to 25% either way
		delay += (rand.Float64()*0.5 - 0.25) * delay
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
