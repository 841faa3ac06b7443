package crawler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FetchStatus is the typed outcome of a scheduled fetch.
type FetchStatus int

// Fetch outcomes returned by SchedulePolicy.Execute.
const (
	FetchSucceeded FetchStatus = iota
	FetchExhausted
	FetchFatal
	FetchCanceled
)

func (s FetchStatus) String() string {
	switch s {
	case FetchSucceeded:
		return "succeeded"
	case FetchExhausted:
		return "exhausted"
	case FetchFatal:
		return "fatal"
	case FetchCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("FetchStatus(%d)", int(s))
	}
}

// FetchResult carries the outcome of SchedulePolicy.Execute.
type FetchResult struct {
	Status   FetchStatus
	Raw      RawResult
	Attempts int
	// Slept is the total backoff delay waited across attempts.
	Slept time.Duration
	Err   error
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryOption customises a SchedulePolicy.
type RetryOption func(*SchedulePolicy)

// WithSleeper replaces the wall-clock sleeper (tests).
func WithSleeper(s Sleeper) RetryOption {
	return func(p *SchedulePolicy) {
		if s != nil {
			p.sleep = s
		}
	}
}

// WithClassifier replaces IsTransient.
func WithClassifier(classify func(error) bool) RetryOption {
	return func(p *SchedulePolicy) {
		if classify != nil {
			p.classify = classify
		}
	}
}

// DefaultSchedule is the fixed ascending delay schedule: six attempts.
func DefaultSchedule() []time.Duration {
	return []time.Duration{
		0,
		10 * time.Millisecond,
		100 * time.Millisecond,
		time.Second,
		5 * time.Second,
		10 * time.Second,
	}
}

// SchedulePolicy retries a fetch over a fixed delay schedule. The delay for
// attempt i is slept before the attempt is made.
type SchedulePolicy struct {
	schedule []time.Duration
	classify func(error) bool
	sleep    Sleeper
	logger   *zap.Logger
}

// NewSchedulePolicy builds a policy; an empty schedule falls back to
// DefaultSchedule.
func NewSchedulePolicy(schedule []time.Duration, logger *zap.Logger, opts ...RetryOption) *SchedulePolicy {
	if len(schedule) == 0 {
		schedule = DefaultSchedule()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &SchedulePolicy{
		schedule: append([]time.Duration(nil), schedule...),
		classify: IsTransient,
		sleep:    sleepWithContext,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attempts returns the number of scheduled attempts.
func (p *SchedulePolicy) Attempts() int {
	return len(p.schedule)
}

// Execute runs call under the schedule. The call itself is shielded from
// ctx cancellation so a batch is never abandoned mid-request; backoff sleeps
// are not, and a cancellation there yields FetchCanceled.
func (p *SchedulePolicy) Execute(
	ctx context.Context,
	batch []string,
	call func(context.Context, []string) (RawResult, error),
) FetchResult {
	fetchCtx := context.WithoutCancel(ctx)
	var (
		slept   time.Duration
		lastErr error
	)
	for i, delay := range p.schedule {
		if err := p.sleep(ctx, delay); err != nil {
			return FetchResult{Status: FetchCanceled, Attempts: i, Slept: slept, Err: err}
		}
		slept += delay
		raw, err := call(fetchCtx, batch)
		if err == nil {
			return FetchResult{Status: FetchSucceeded, Raw: raw, Attempts: i + 1, Slept: slept}
		}
		lastErr = err
		if !p.classify(err) {
			return FetchResult{Status: FetchFatal, Attempts: i + 1, Slept: slept, Err: err}
		}
		RetryAttempts.Inc()
		p.logger.Warn("Timeout while fetching batch",
			zap.Duration("delay", delay),
			zap.Int("attempt", i+1),
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
	}
	return FetchResult{Status: FetchExhausted, Attempts: len(p.schedule), Slept: slept, Err: lastErr}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
