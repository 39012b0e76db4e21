package retry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Ladder is a fixed backoff schedule. The last step repeats.
type Ladder []time.Duration

// WebhookLadder is the default delivery schedule: 1m, 5m, 15m.
var WebhookLadder = Ladder{time.Minute, 5 * time.Minute, 15 * time.Minute}

// RPCLadder is used for idempotent chain reads within a single cycle.
var RPCLadder = Ladder{250 * time.Millisecond, time.Second, 2 * time.Second}

// Delay returns the wait after the given failed attempt (1-based).
func (l Ladder) Delay(attempt int) time.Duration {
	if len(l) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(l) {
		return l[len(l)-1]
	}
	return l[attempt-1]
}

func (l Ladder) String() string {
	parts := make([]string, len(l))
	for i, d := range l {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

// UnmarshalText parses a comma separated list of durations.
func (l *Ladder) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*l = nil
		return nil
	}
	var out Ladder
	for _, part := range strings.Split(raw, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("parse backoff step %q: %w", part, err)
		}
		if d <= 0 {
			return fmt.Errorf("backoff step %q must be positive", part)
		}
		out = append(out, d)
	}
	*l = out
	return nil
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy bounds attempts and supplies the wait between them.
type Policy struct {
	MaxAttempts int
	Backoff     Ladder
	// Retryable overrides Classify when set.
	Retryable func(error) bool
}

// Decide reports whether another attempt should follow the given failed
// attempt (1-based).
func (p Policy) Decide(attempt int, err error) Decision {
	if err == nil || attempt >= p.MaxAttempts {
		return Decision{}
	}
	retryable := IsRetryable
	if p.Retryable != nil {
		retryable = p.Retryable
	}
	if !retryable(err) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff.Delay(attempt)}
}

// Do calls fn until it succeeds, the policy gives up, or ctx ends. Only use
// it for idempotent operations.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		d := p.Decide(attempt, err)
		if !d.Retry {
			return err
		}
		timer := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
