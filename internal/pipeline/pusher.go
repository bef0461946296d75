package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/devteamhq/runner/internal/gitutil"
	"github.com/devteamhq/runner/internal/runerr"
)

// Pusher pushes branches to the remote behind a circuit breaker so a flaky
// remote does not stall every execution with full retry cycles.
type Pusher struct {
	cb *gobreaker.CircuitBreaker
}

// NewPusher creates a Pusher. The breaker opens after 3 consecutive
// failures and half-opens after 30 seconds.
func NewPusher() *Pusher {
	return &Pusher{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "git-push",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("push breaker state change", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Push pushes branch from dir with up to 3 attempts under exponential
// backoff. Failures come back as push_network errors.
func (p *Pusher) Push(ctx context.Context, dir, branch string) error {
	op := func() error {
		_, err := p.cb.Execute(func() (any, error) {
			return nil, gitutil.Push(ctx, dir, branch)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// The breaker is open; backing off further will not help.
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return runerr.New(runerr.KindPushNetwork, NodePush, err).
			WithSummary("push of %s failed", branch)
	}
	return nil
}
