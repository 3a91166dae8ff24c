// Package retry implements the Retriable Operation Engine (spec section
// 4.2): the generic lifecycle, backoff, and timeout skeleton shared by
// every topic module (internal/operations). It is grounded on the same
// exponential-backoff idiom the retrieved corpus uses (cenkalti/backoff,
// pulled in transitively by jordigilh-kubernaut's AWS SDK usage) rather
// than a hand-rolled jitter computation.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
)

// State is one of the operation lifecycle states from spec section 3.
type State int

const (
	Idle State = iota
	InProgress
	Completed
	Expired
	Cancelling
	Failure
	FailureRetriable
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case InProgress:
		return "InProgress"
	case Completed:
		return "Completed"
	case Expired:
		return "Expired"
	case Cancelling:
		return "Cancelling"
	case Failure:
		return "Failure"
	case FailureRetriable:
		return "FailureRetriable"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether s requires an explicit re-arm before the
// engine will call DoWork again (spec 4.2: "If state == Completed or
// Failure: do nothing unless the owner explicitly re-arms the context").
func (s State) IsTerminal() bool {
	return s == Completed || s == Failure
}

// Category selects which RetryParams entry governs a given failure, per
// spec 4.2 ("Retry parameter categories must be distinct so the caller can
// pick the right policy by error kind").
type Category int

const (
	CategoryDefault Category = iota
	CategoryClientTransient
	CategoryServiceTransient
	CategoryNonRecoverable
)

func (c Category) String() string {
	switch c {
	case CategoryDefault:
		return "Default"
	case CategoryClientTransient:
		return "ClientTransient"
	case CategoryServiceTransient:
		return "ServiceTransient"
	case CategoryNonRecoverable:
		return "NonRecoverable"
	default:
		return "Unknown"
	}
}

// Params is one retry-parameters record (spec section 3, "retryParams[]").
type Params struct {
	InitialDelayMs   int
	MaxDelaySecs     int
	MaxJitterPercent int
	MaxRetries       int
}

// DefaultParamsFor returns conservative out-of-the-box retry parameters
// for a category, used when configuration (internal/config) does not
// override them. Maximum delays are 60s (Default), 30s (ClientTransient)
// and 300s (ServiceTransient); NonRecoverable has no delay and no
// retries, since ScheduleRetry sends it straight to Failure.
func DefaultParamsFor(c Category) Params {
	switch c {
	case CategoryClientTransient:
		return Params{InitialDelayMs: 1000, MaxDelaySecs: 30, MaxJitterPercent: 20, MaxRetries: 10}
	case CategoryServiceTransient:
		return Params{InitialDelayMs: 5000, MaxDelaySecs: 300, MaxJitterPercent: 20, MaxRetries: 20}
	case CategoryNonRecoverable:
		return Params{InitialDelayMs: 0, MaxDelaySecs: 0, MaxJitterPercent: 0, MaxRetries: 0}
	default:
		return Params{InitialDelayMs: 2000, MaxDelaySecs: 60, MaxJitterPercent: 20, MaxRetries: 15}
	}
}

// ComputeNextAttemptTime implements the backoff law from spec section 4.2:
// delay grows geometrically in attempt, capped by MaxDelaySecs, perturbed
// by jitter uniformly in +/-MaxJitterPercent. attempt is 1-indexed (the
// first retry after an initial failure is attempt 1).
//
// Built on cenkalti/backoff/v5's ExponentialBackOff rather than a
// hand-rolled rand.Float64 jitter computation: each call constructs a
// fresh backoff with its fields set directly (v5 has no functional
// options), Multiplier 2 being the geometric base spec 4.2 specifies,
// and steps it forward attempt times via Reset()+NextBackOff(), since
// the library tracks growth as internal state rather than taking an
// explicit attempt number. v5's MaxElapsedTime defaults to zero
// (unbounded), so NextBackOff never reports backoff.Stop here;
// MaxRetries is enforced separately by the Engine.
func ComputeNextAttemptTime(now time.Time, attempt int, p Params) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(p.InitialDelayMs) * time.Millisecond
	b.MaxInterval = time.Duration(p.MaxDelaySecs) * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = float64(p.MaxJitterPercent) / 100.0
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return now.Add(delay)
}

// Context is the shared operation skeleton from spec section 3
// ("OperationContext"). Each topic module (internal/operations) embeds
// one and supplies the lifecycle hooks; Engine.Tick drives it.
type Context struct {
	OperationName string
	State         State
	AttemptCount  int

	LastExecutionTime time.Time
	LastSuccessTime   time.Time
	LastFailureTime   time.Time
	NextExecutionTime time.Time
	ExpirationTime    time.Time

	OperationIntervalSecs int
	OperationTimeoutSecs  int

	RetryParams map[Category]Params

	// Data is the operation-specific state (EnrollmentData, AgentInfoData,
	// UpdateRequestData). The Context does not interpret it.
	Data any

	// DoWork performs one tick's worth of work. It is responsible for
	// calling Complete, ScheduleRetry, or CancelOperation on ctx as
	// appropriate; Engine.Tick only gates *whether* DoWork runs.
	DoWork func(ctx context.Context, c *Context)

	// OnExpired, OnCancel, OnComplete, OnRetryScheduled, OnSuccess,
	// OnFailure are operation-specific side effects layered on top of the
	// engine's generic state transitions (spec 3: "function pointers...
	// onSuccess, onFailure, onRetry").
	OnExpired        func(c *Context)
	OnCancel         func(c *Context)
	OnComplete       func(c *Context)
	OnRetryScheduled func(c *Context, category Category)
	OnSuccess        func(c *Context)
	OnFailure        func(c *Context)

	// DataDestroy and OperationDestroy release operation-specific and
	// operation-wide resources respectively (spec 3, "Ownership rules").
	DataDestroy      func(c *Context)
	OperationDestroy func(c *Context)

	breaker *gobreaker.CircuitBreaker
}

// WithServiceTransientBreaker attaches a circuit breaker that backs the
// ServiceTransient category: repeated Busy/Conflict/ServerError outcomes
// trip the breaker, so ScheduleRetry(CategoryServiceTransient) fails fast
// (pushing NextExecutionTime out by the category's MaxDelaySecs, without
// incrementing AttemptCount) instead of hammering a struggling service
// purely on the timer-based backoff.
// Grounded on sony/gobreaker as used in jordigilh-kubernaut.
func (c *Context) WithServiceTransientBreaker(settings gobreaker.Settings) *Context {
	if settings.Name == "" {
		settings.Name = c.OperationName + "-service-transient"
	}
	c.breaker = gobreaker.NewCircuitBreaker(settings)
	return c
}

// BreakerState reports the underlying circuit breaker's state, or
// gobreaker.StateClosed if no breaker was configured.
func (c *Context) BreakerState() gobreaker.State {
	if c.breaker == nil {
		return gobreaker.StateClosed
	}
	return c.breaker.State()
}

// Complete transitions the operation to Completed (spec 4.2: "doWork
// returns success and produced a terminal outcome it calls complete").
func (c *Context) Complete(now time.Time) {
	c.State = Completed
	c.LastSuccessTime = now
	c.AttemptCount = 0
	if c.breaker != nil {
		// A clean success records success with the breaker too, via a
		// no-op Execute so gobreaker's internal counters reset.
		_, _ = c.breaker.Execute(func() (any, error) { return nil, nil })
	}
	if c.OnSuccess != nil {
		c.OnSuccess(c)
	}
	if c.OnComplete != nil {
		c.OnComplete(c)
	}
}

// ScheduleRetry computes a new NextExecutionTime by the backoff law and
// increments AttemptCount (spec 4.2: "failure paths call retry(params)").
// When AttemptCount exceeds the category's MaxRetries the operation
// transitions to Failure (non-retriable) instead; a MaxRetries of zero
// means no limit. CategoryNonRecoverable always goes straight to Failure.
func (c *Context) ScheduleRetry(now time.Time, category Category) {
	params, ok := c.RetryParams[category]
	if !ok {
		params = DefaultParamsFor(category)
	}

	if category == CategoryNonRecoverable {
		c.State = Failure
		c.LastFailureTime = now
		if c.OnFailure != nil {
			c.OnFailure(c)
		}
		return
	}

	runBreaker := category == CategoryServiceTransient && c.breaker != nil
	if runBreaker {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, fmt.Errorf("service transient failure")
		})
		if err == gobreaker.ErrOpenState {
			// Breaker is open: push the retry out by the category's
			// full MaxDelaySecs rather than the (shorter) timer backoff.
			c.NextExecutionTime = now.Add(time.Duration(params.MaxDelaySecs) * time.Second)
			c.State = FailureRetriable
			if c.OnRetryScheduled != nil {
				c.OnRetryScheduled(c, category)
			}
			return
		}
	}

	c.AttemptCount++
	if params.MaxRetries > 0 && c.AttemptCount > params.MaxRetries {
		c.State = Failure
		c.LastFailureTime = now
		if c.OnFailure != nil {
			c.OnFailure(c)
		}
		return
	}

	c.State = FailureRetriable
	c.NextExecutionTime = ComputeNextAttemptTime(now, c.AttemptCount, params)
	c.LastFailureTime = now
	if c.OnRetryScheduled != nil {
		c.OnRetryScheduled(c, category)
	}
}

// CancelOperation implements the generic half of spec 5's cancellation
// semantics: "cancel sets correlationId='', state to Unknown/IdleWait, and
// computes nextExecutionTime". The Context only knows the generic
// Cancelling state and a Default-category re-arm delay. It does not touch
// the operation-specific sub-state or correlation id; the topic modules
// reset those themselves before calling it, and OnCancel, if set, runs
// afterwards.
func (c *Context) CancelOperation(now time.Time) {
	c.State = Cancelling
	params, ok := c.RetryParams[CategoryDefault]
	if !ok {
		params = DefaultParamsFor(CategoryDefault)
	}
	c.NextExecutionTime = ComputeNextAttemptTime(now, 1, params)
	if c.OnCancel != nil {
		c.OnCancel(c)
	}
}

// Rearm clears terminal state so the engine will call DoWork again on the
// next tick where NextExecutionTime has elapsed. Owners call this after
// consuming a Completed or Failure outcome (spec 4.2: "do nothing unless
// the owner explicitly re-arms the context").
func (c *Context) Rearm(now time.Time) {
	c.State = Idle
	c.AttemptCount = 0
	c.NextExecutionTime = now
}

// Engine drives a Context through one tick per call, implementing spec
// section 4.2 in full: terminal short-circuit, expiration check, backoff
// wait, then DoWork.
type Engine struct{}

// NewEngine constructs a stateless Engine. A single Engine value is safe
// to share across every operation's Context — all mutable state lives in
// the Context, not the Engine.
func NewEngine() *Engine { return &Engine{} }

// Tick runs one iteration of spec section 4.2's state machine for c.
func (e *Engine) Tick(ctx context.Context, c *Context, now time.Time) {
	if c.State.IsTerminal() {
		return
	}

	if !c.ExpirationTime.IsZero() && !now.Before(c.ExpirationTime) {
		if c.OnExpired != nil {
			c.OnExpired(c)
		}
		c.State = Expired
		c.State = Cancelling
		if c.OnCancel != nil {
			c.OnCancel(c)
		}
		return
	}

	if now.Before(c.NextExecutionTime) {
		return
	}

	if c.DoWork != nil {
		c.DoWork(ctx, c)
	}
}
