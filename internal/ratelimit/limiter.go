// Package ratelimit bounds outbound send pacing so the watcher does not
// burst-flood the primary channel.
package ratelimit

import "context"

// RateLimiter controls message throughput per channel ("primary",
// "fallback"). Wait blocks until a slot is free or ctx is canceled.
type RateLimiter interface {
	Allow(ctx context.Context, channel string) (bool, error)
	Wait(ctx context.Context, channel string) error
}
