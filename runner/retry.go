package runner

import (
	"errors"
	"math"
	"time"
)

// RetryStrategy encapsulates the decision and delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the outcome of evaluating one failed attempt.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider lets a strategy veto retries for specific errors.
type RetryDecider interface {
	DecideRetry(attempt int, err error) RetryDecision
}

// DecideRetry evaluates a strategy for a failed attempt. Permanent errors are
// never retried. Strategies implementing RetryDecider take precedence over
// the plain SleepDuration contract.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if IsPermanent(err) {
		return RetryDecision{ShouldRetry: false}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.DecideRetry(attempt, err)
	}
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	return RetryDecision{
		ShouldRetry: true,
		Delay:       strategy.SleepDuration(attempt, err),
	}
}

// NoDelayStrategy is a simple retry strategy that performs all retries
// immediately without waiting.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a backoff strategy.
// Usage example:
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max is the maximum delay allowed (caps the exponential growth)
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so the handler stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
