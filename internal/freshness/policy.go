// Package freshness maps query identities to staleness budgets and failed
// attempts to retry decisions. Everything here is pure: the same inputs
// always yield the same outputs and nothing is scheduled.
package freshness

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oriys/halo/internal/domain"
)

// Wildcard is the root of a rule that matches any otherwise unmatched key.
const Wildcard = "*"

const (
	DefaultMaxRetries     = 2
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 30 * time.Second
)

// Rule assigns a staleness budget to every key with the given root.
type Rule struct {
	Root  string        `yaml:"root"`
	Stale time.Duration `yaml:"stale"`
}

// Config is the static policy configuration.
type Config struct {
	Rules        []Rule
	DefaultStale time.Duration // applied when no rule matches; zero means always stale
	MaxRetries   int           // retries after the initial attempt
	RetryBase    time.Duration
	RetryMax     time.Duration
}

// Action is the outcome of a retry decision.
type Action int

const (
	ActionNone   Action = iota // No failure, nothing to decide
	ActionGiveUp               // Stop and surface the error
	ActionRetry                // Try again after Delay
)

func (a Action) String() string {
	switch a {
	case ActionGiveUp:
		return "give_up"
	case ActionRetry:
		return "retry"
	default:
		return "none"
	}
}

// Decision tells the caller whether and when to try again. Attempt is the
// 1-based number of the attempt that just failed.
type Decision struct {
	Action  Action
	Delay   time.Duration
	Attempt int
}

// Retry reports whether the caller should try again.
func (d Decision) Retry() bool { return d.Action == ActionRetry }

// Policy is the compiled freshness and retry table. It is immutable once
// built and safe for concurrent use.
type Policy struct {
	stale      map[string]time.Duration
	wildcard   time.Duration
	hasWild    bool
	def        time.Duration
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
}

// New validates cfg and builds a Policy. A negative MaxRetries disables
// retries; zero falls back to DefaultMaxRetries.
func New(cfg Config) (*Policy, error) {
	if cfg.DefaultStale < 0 {
		return nil, fmt.Errorf("default stale duration must be non-negative, got %s", cfg.DefaultStale)
	}
	p := &Policy{
		stale:      make(map[string]time.Duration, len(cfg.Rules)),
		def:        cfg.DefaultStale,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		retryMax:   cfg.RetryMax,
	}
	for _, r := range cfg.Rules {
		if r.Stale < 0 {
			return nil, fmt.Errorf("rule %q: stale duration must be non-negative, got %s", r.Root, r.Stale)
		}
		if r.Root == Wildcard {
			if p.hasWild {
				return nil, fmt.Errorf("duplicate wildcard rule")
			}
			p.wildcard, p.hasWild = r.Stale, true
			continue
		}
		if _, dup := p.stale[r.Root]; dup {
			return nil, fmt.Errorf("duplicate rule for root %q", r.Root)
		}
		p.stale[r.Root] = r.Stale
	}
	switch {
	case p.maxRetries == 0:
		p.maxRetries = DefaultMaxRetries
	case p.maxRetries < 0:
		p.maxRetries = 0
	}
	if p.retryBase <= 0 {
		p.retryBase = DefaultRetryBaseDelay
	}
	if p.retryMax <= 0 {
		p.retryMax = DefaultRetryMaxDelay
	}
	if p.retryMax < p.retryBase {
		p.retryMax = p.retryBase
	}
	return p, nil
}

// MustNew is New for static tables known to be valid.
func MustNew(cfg Config) *Policy {
	p, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// StaleDuration returns how long a result for key stays fresh. An exact root
// match beats the wildcard, which beats the default.
func (p *Policy) StaleDuration(key domain.QueryKey) time.Duration {
	if d, ok := p.stale[key.Root()]; ok {
		return d
	}
	if p.hasWild {
		return p.wildcard
	}
	return p.def
}

// MaxRetries returns the retry ceiling.
func (p *Policy) MaxRetries() int { return p.maxRetries }

// RetryDecision decides what to do after attempt number attempt failed with
// an error of the given kind. Client errors never retry.
func (p *Policy) RetryDecision(kind domain.ErrorKind, attempt int) Decision {
	if attempt < 1 {
		attempt = 1
	}
	d := Decision{Action: ActionGiveUp, Attempt: attempt}
	if !kind.Transient() || attempt > p.maxRetries {
		return d
	}
	d.Action = ActionRetry
	d.Delay = p.retryDelay(attempt)
	return d
}

// retryDelay is base * 2^(attempt-1), capped at retryMax.
func (p *Policy) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryBase
	b.MaxInterval = p.retryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
