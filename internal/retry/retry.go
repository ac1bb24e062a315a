// Package retry holds the single retry policy shared by lock writes and
// generative calls.
package retry

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Growth selects how the delay grows between attempts.
type Growth string

const (
	// Linear waits BaseDelay * attempt.
	Linear Growth = "linear"
	// Exponential waits BaseDelay * Multiplier^(attempt-1).
	Exponential Growth = "exponential"
)

// Policy configures bounded retries.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	Growth      Growth        `yaml:"growth" json:"growth"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	// Jitter scales each delay into [0.5, 1.5) using a deterministic seed.
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// StorageWrites retries critical lock writes: 3 attempts, 500ms * attempt.
func StorageWrites() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 1, Growth: Linear}
}

// Generative retries collaborator calls: 3 attempts, 1s then 2s.
func Generative() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, Growth: Exponential, MaxDelay: 30 * time.Second}
}

// Normalize fills zero fields with usable values.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 1
	}
	switch Growth(strings.ToLower(strings.TrimSpace(string(p.Growth)))) {
	case Linear:
		p.Growth = Linear
	default:
		p.Growth = Exponential
	}
	if p.MaxDelay < 0 {
		p.MaxDelay = 0
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-indexed).
func (p Policy) Delay(attempt int, seed string) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay == 0 {
		return 0
	}
	var d float64
	switch p.Growth {
	case Linear:
		d = float64(p.BaseDelay) * float64(attempt)
	default:
		d = float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	}
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	if p.Jitter {
		d *= 0.5 + jitterUnit(seed)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Classifier decides whether an error may be retried.
type Classifier func(error) bool

// Option configures a single Do call.
type Option func(*runOptions)

type runOptions struct {
	retryable Classifier
	onRetry   func(attempt int, err error, delay time.Duration)
	sleep     func(context.Context, time.Duration) error
	seed      string
	hint      func(error) (time.Duration, bool)
}

// WithClassifier restricts retries to errors the classifier accepts.
func WithClassifier(c Classifier) Option {
	return func(o *runOptions) { o.retryable = c }
}

// OnRetry registers a hook called before each wait.
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *runOptions) { o.onRetry = fn }
}

// WithSleep replaces the context-aware timer used between attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(o *runOptions) { o.sleep = fn }
}

// WithSeed sets the jitter seed prefix.
func WithSeed(seed string) Option {
	return func(o *runOptions) { o.seed = seed }
}

// WithDelayHint lets a failed attempt ask for a longer wait than the policy
// computes, such as a server's Retry-After. The hint is capped at MaxDelay.
func WithDelayHint(fn func(error) (time.Duration, bool)) Option {
	return func(o *runOptions) { o.hint = fn }
}

// Do runs fn until it succeeds, returns a permanent or non-retryable error,
// the context ends, or the policy's attempts are spent. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, opts ...Option) error {
	p = p.Normalize()
	o := runOptions{sleep: sleepContext}
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if o.retryable != nil && !o.retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		delay := p.Delay(attempt, o.seed+":"+strconv.Itoa(attempt))
		if o.hint != nil {
			if h, ok := o.hint(err); ok && h > delay {
				delay = h
				if p.MaxDelay > 0 && delay > p.MaxDelay {
					delay = p.MaxDelay
				}
			}
		}
		if o.onRetry != nil {
			o.onRetry(attempt, err, delay)
		}
		if serr := o.sleep(ctx, delay); serr != nil {
			return err
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
