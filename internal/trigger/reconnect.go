package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ReconnectConfig contains configuration for broker reconnection.
//
// With RetryDelay == MaxRetryDelay the delay is fixed; otherwise it doubles
// per attempt up to MaxRetryDelay.
type ReconnectConfig struct {
	MaxRetries    int           // Maximum attempts per reconnect run (0 = until ctx is done)
	RetryDelay    time.Duration // Delay after the first failure (default: 5 seconds)
	MaxRetryDelay time.Duration // Delay cap (default: RetryDelay)
}

// DefaultReconnectConfig returns the fixed 5s reconnect schedule
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    3,
		RetryDelay:    5 * time.Second,
		MaxRetryDelay: 5 * time.Second,
	}
}

// ConnectFunc attempts to establish a connection
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect calls connectFn until it succeeds, the retry budget is
// spent, or ctx is done. It blocks the caller for the whole run.
func RunWithReconnect(ctx context.Context, name string, connectFn ConnectFunc, cfg ReconnectConfig) error {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connectFn(ctx)
		if err == nil {
			if attempts > 0 {
				slog.Info("trigger: reconnected", "source", name, "attempts", attempts+1)
			}
			return nil
		}

		attempts++
		slog.Warn("trigger: connection failed", "source", name, "attempt", attempts, "error", err)

		if cfg.MaxRetries > 0 && attempts >= cfg.MaxRetries {
			return fmt.Errorf("trigger: %s: max retries exceeded (%d attempts): %w", name, attempts, err)
		}

		delay := calculateBackoff(attempts, cfg)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// calculateBackoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	maxDelay := cfg.MaxRetryDelay
	if maxDelay < cfg.RetryDelay {
		maxDelay = cfg.RetryDelay
	}
	if attempt > 16 {
		attempt = 16
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
