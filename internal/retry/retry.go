// Package retry wraps fallible external calls with bounded retry and
// exponential backoff. The attempt counter is persisted on the row (through
// the caller-supplied recorder) before every try, so a process restart
// resumes the backoff schedule instead of starting a fresh storm.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/common"
)

// PhaseError reports a phase that gave up: either retries were exhausted
// (Permanent=false, likely to succeed on a later scheduled run) or the error
// was classified permanent (needs a human).
type PhaseError struct {
	Phase     constants.Phase
	Attempts  int
	Permanent bool
	Err       error
}

func (e *PhaseError) Error() string {
	kind := "retries exhausted"
	if e.Permanent {
		kind = "permanent failure"
	}
	return fmt.Sprintf("phase %s: %s after %d attempt(s): %v", e.Phase, kind, e.Attempts, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// AttemptRecorder persists the next attempt number for the phase and
// returns it. The recorder runs before the attempt so a crash mid-call
// still counts it.
type AttemptRecorder func(ctx context.Context) (int, error)

// Policy is an immutable retry configuration. Construct with New; never
// read ambient process state from inside the loop.
type Policy struct {
	maxAttempts    int
	baseDelay      time.Duration
	multiplier     float64
	maxDelay       time.Duration
	attemptTimeout time.Duration
	log            *slog.Logger

	// Injection points for tests.
	sleep func(context.Context, time.Duration) error
	rnd   func() float64
}

func New(cfg common.RetryConfig, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Policy{
		maxAttempts:    cfg.MaxAttempts,
		baseDelay:      cfg.BaseDelay,
		multiplier:     cfg.Multiplier,
		maxDelay:       cfg.MaxDelay,
		attemptTimeout: cfg.PhaseTimeout,
		log:            logger,
		sleep:          sleepCtx,
		rnd:            rand.Float64,
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	if p.multiplier < 1 {
		p.multiplier = 1
	}
	return p
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// spent. Transient errors back off exponentially with jitter between tries.
// A nil recorder keeps the count in memory only.
func (p *Policy) Do(ctx context.Context, phase constants.Phase, record AttemptRecorder, op func(context.Context) error) error {
	local := 0
	if record == nil {
		record = func(context.Context) (int, error) {
			local++
			return local, nil
		}
	}
	for {
		attempt, err := record(ctx)
		if err != nil {
			return fmt.Errorf("record attempt for phase %s: %w", phase, err)
		}
		if attempt > p.maxAttempts {
			// A restart can land here when earlier runs already spent the
			// budget; surface exhaustion without another side effect.
			return &PhaseError{Phase: phase, Attempts: attempt - 1, Permanent: false,
				Err: errors.New("attempt budget already spent")}
		}

		opErr := p.runOnce(ctx, op)
		if opErr == nil {
			return nil
		}
		if ctx.Err() != nil && errors.Is(opErr, ctx.Err()) {
			return opErr
		}
		// Conflict and NotFound are benign work-availability signals, not
		// failures; pass them through for the caller to resolve as Blocked.
		if errors.Is(opErr, common.ErrConflict) || errors.Is(opErr, common.ErrNotFound) {
			return opErr
		}
		if common.IsPermanent(opErr) {
			p.log.Error("attempt failed permanently", "phase", phase, "attempt", attempt, "error", opErr)
			return &PhaseError{Phase: phase, Attempts: attempt, Permanent: true, Err: opErr}
		}
		if attempt >= p.maxAttempts {
			p.log.Error("retries exhausted", "phase", phase, "attempts", attempt, "error", opErr)
			return &PhaseError{Phase: phase, Attempts: attempt, Permanent: false, Err: opErr}
		}

		delay := p.delayFor(attempt)
		p.log.Warn("attempt failed, backing off",
			"phase", phase, "attempt", attempt, "max_attempts", p.maxAttempts,
			"delay", delay, "error", opErr)
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (p *Policy) runOnce(ctx context.Context, op func(context.Context) error) error {
	if p.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.attemptTimeout)
		defer cancel()
	}
	return op(ctx)
}

// delayFor computes base * multiplier^(attempt-1) capped at maxDelay, then
// applies half jitter so concurrent processes spread out.
func (p *Policy) delayFor(attempt int) time.Duration {
	d := float64(p.baseDelay) * math.Pow(p.multiplier, float64(attempt-1))
	if max := float64(p.maxDelay); p.maxDelay > 0 && d > max {
		d = max
	}
	half := d / 2
	return time.Duration(half + half*p.rnd())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
