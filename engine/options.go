package engine

import (
	"time"

	"github.com/smallnest/stateflow/log"
	"github.com/smallnest/stateflow/secret"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(e *Engine) {
		if p != nil {
			c := *p
			e.retry = &c
		}
	}
}

// WithLeaseDuration sets how long a dispatched state stays leased.
func WithLeaseDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lease = d
		}
	}
}

// WithSecretStore sets where secret values of templates are kept.
func WithSecretStore(s secret.Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.secrets = s
		}
	}
}

// WithClock overrides the time source. Tests use it to drive leases and backoff.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides how state and run ids are generated.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithListener registers a transition listener.
func WithListener(l Listener) Option {
	return func(e *Engine) {
		if l != nil {
			e.AddListener(l)
		}
	}
}
