package service

import (
	"context"
	"fmt"

	"github.com/worldline-go/hardloop"
)

// StartMaintenance runs the once-a-minute sweep: idle sessions and
// devices, expired cache entries, stale rate windows. The runner stops
// when ctx is cancelled.
func StartMaintenance(ctx context.Context, sessions *SessionStore, devices *DeviceRegistry, cache *ResponseCache, limiter *RateLimiter) error {
	cron, err := hardloop.NewCron(hardloop.Cron{
		Name:  "maintenance-sweep",
		Specs: []string{"* * * * *"},
		Func: func(context.Context) error {
			sessions.Sweep()
			devices.Sweep()
			cache.SweepExpired()
			limiter.Purge()
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("create maintenance cron: %w", err)
	}

	if err := cron.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance cron: %w", err)
	}

	return nil
}
