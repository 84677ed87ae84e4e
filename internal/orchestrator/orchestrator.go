// Package orchestrator drives one row through its lifecycle, one phase per
// invocation. Every external call goes through the retry policy, every
// status move goes through the ledger's CAS commit, and a publish is never
// re-invoked without first asking the publisher whether it already landed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/common"
	"github.com/postpilot/postpilot/internal/entity"
	"github.com/postpilot/postpilot/internal/generator"
	"github.com/postpilot/postpilot/internal/ledger"
	"github.com/postpilot/postpilot/internal/publisher"
	"github.com/postpilot/postpilot/internal/retry"
	"github.com/postpilot/postpilot/internal/store"
)

// OutcomeKind classifies the result of one RunOnce call.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "COMPLETED"
	OutcomeBlocked   OutcomeKind = "BLOCKED"
	OutcomeFailed    OutcomeKind = "FAILED"
)

// Outcome reports what a run did. Failed outcomes carry the phase, the
// classification and the row's persisted status so an operator or the next
// scheduled run can resume precisely.
type Outcome struct {
	Kind      OutcomeKind
	Status    constants.PostStatus
	Phase     constants.Phase
	Permanent bool
	Reason    string
	Err       error
}

func completed(status constants.PostStatus) Outcome {
	return Outcome{Kind: OutcomeCompleted, Status: status}
}

func blocked(reason string) Outcome {
	return Outcome{Kind: OutcomeBlocked, Reason: reason}
}

// Orchestrator sequences the generate, publish and archive phases.
type Orchestrator struct {
	store  store.RecordStore
	ledger *ledger.Ledger
	gen    generator.Generator
	pub    publisher.Publisher
	retry  *retry.Policy
	log    *slog.Logger
}

func New(st store.RecordStore, led *ledger.Ledger, gen generator.Generator, pub publisher.Publisher, pol *retry.Policy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: st, ledger: led, gen: gen, pub: pub, retry: pol, log: logger}
}

// RunOnce advances the active row by exactly one phase. Callers re-invoke
// it (or use Run) to walk the full lifecycle.
func (o *Orchestrator) RunOnce(ctx context.Context) Outcome {
	p, err := o.readActive(ctx)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return blocked("no pending row")
		}
		return Outcome{Kind: OutcomeFailed, Reason: "reading active row", Err: err}
	}
	ctx = common.WithRowID(ctx, p.ID.String())

	phase, ok := ledger.NextPhase(p)
	if !ok {
		return blocked("row already archived")
	}
	if err := p.Validate(); err != nil {
		// Malformed row data needs a human fix; leave the row untouched so
		// the operator sees exactly what the store holds.
		o.log.Error("row invariant violated", "row_id", p.ID, "status", p.Status, "error", err)
		return Outcome{Kind: OutcomeFailed, Status: p.Status, Phase: phase, Permanent: true,
			Reason: "row invariant violated", Err: err}
	}

	o.log.Info("orchestrator.phase.start", "row_id", p.ID, "phase", phase, "status", p.Status)
	switch phase {
	case constants.PhaseGenerate:
		return o.runGenerate(ctx, p)
	case constants.PhasePublish:
		return o.runPublish(ctx, p)
	default:
		return o.runArchive(ctx, p)
	}
}

// Run drives the row until terminal success, a failure, or a Blocked
// outcome, and returns the last outcome.
func (o *Orchestrator) Run(ctx context.Context) Outcome {
	for {
		out := o.RunOnce(ctx)
		switch out.Kind {
		case OutcomeCompleted:
			if out.Status == constants.StatusArchived {
				return out
			}
			o.log.Info("orchestrator.phase.ok", "status", out.Status)
		default:
			return out
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: OutcomeFailed, Reason: "canceled", Err: err}
		}
	}
}

// phaseRead labels retries of the row read itself, which precedes any
// lifecycle phase.
const phaseRead = constants.Phase("READ")

// readActive re-reads the authoritative row; never trusts an in-memory
// copy from a previous call.
func (o *Orchestrator) readActive(ctx context.Context) (*entity.Post, error) {
	var p *entity.Post
	err := o.retry.Do(ctx, phaseRead, nil, func(ctx context.Context) error {
		var err error
		p, err = o.store.ReadActiveRow(ctx)
		return err
	})
	return p, err
}

// claim moves the row into the phase's in-progress status. A row already
// in-progress (crash recovery) is picked up as-is.
func (o *Orchestrator) claim(ctx context.Context, p *entity.Post, phase constants.Phase) (resumed bool, err error) {
	entry := ledger.EntryStatus(phase)
	if p.Status == entry {
		o.log.Warn("resuming in-progress phase", "row_id", p.ID, "phase", phase)
		return true, nil
	}
	if err := o.ledger.Commit(ctx, p.ID, p.Status, entry); err != nil {
		return false, err
	}
	if p.Status == constants.StatusFailed {
		// Re-entry after a recorded failure is a fresh run with a fresh
		// attempt budget. A crash-resume (status already in-progress)
		// keeps its counter, so the backoff schedule survives restarts.
		if err := o.store.ResetAttempts(ctx, p.ID, phase); err != nil {
			o.log.Warn("attempt counter reset failed", "row_id", p.ID, "phase", phase, "error", err)
		}
	}
	return false, nil
}

func (o *Orchestrator) runGenerate(ctx context.Context, p *entity.Post) Outcome {
	if _, err := o.claim(ctx, p, constants.PhaseGenerate); err != nil {
		return o.claimOutcome(p, constants.PhaseGenerate, err)
	}

	req := generator.Request{RequestID: uuid.NewString(), Topic: p.Topic}
	ctx = common.WithRequestID(ctx, req.RequestID)
	var draft generator.Draft
	err := o.retry.Do(ctx, constants.PhaseGenerate, o.recorder(p.ID, constants.PhaseGenerate), func(ctx context.Context) error {
		var gerr error
		draft, gerr = o.gen.Generate(ctx, req)
		return gerr
	})
	if err != nil {
		return o.markFailed(ctx, p, constants.PhaseGenerate, err)
	}

	// Store-write sub-step: retried on its own, the generated artifact is
	// already in hand and must not be lost.
	now := time.Now()
	err = o.retry.Do(ctx, constants.PhaseGenerate, nil, func(ctx context.Context) error {
		return o.store.WriteFields(ctx, p.ID, store.Fields{Content: &draft.Content, GeneratedAt: &now})
	})
	if err == nil {
		err = o.commitCompletion(ctx, p.ID, constants.PhaseGenerate)
	}
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return blocked("row changed underneath generation commit")
		}
		return o.markFailed(ctx, p, constants.PhaseGenerate, err)
	}
	o.log.Info("orchestrator.generate.ok", "row_id", p.ID, "words", draft.WordCount, "model", draft.Model)
	return completed(constants.StatusGenerated)
}

func (o *Orchestrator) runPublish(ctx context.Context, p *entity.Post) Outcome {
	resumed, err := o.claim(ctx, p, constants.PhasePublish)
	if err != nil {
		return o.claimOutcome(p, constants.PhasePublish, err)
	}

	receipt := publisher.NewReceipt(p.Content)
	// A row due later than now is queued through the platform's native
	// scheduler instead of being posted immediately. Such rows only reach
	// this phase when the store was opened with future rows included.
	var scheduleAt *time.Time
	if p.ScheduledFor != nil && p.ScheduledFor.After(time.Now()) {
		scheduleAt = p.ScheduledFor
	}
	// An interrupted or previously attempted publish may already be live;
	// check before ever re-invoking the publish action. A natively
	// scheduled post is not in the feed until its slot, so the schedule
	// path has no feed check to lean on.
	mustVerify := scheduleAt == nil && (resumed || p.Attempts(constants.PhasePublish) > 0)

	published := false
	err = o.retry.Do(ctx, constants.PhasePublish, o.recorder(p.ID, constants.PhasePublish), func(ctx context.Context) error {
		if mustVerify {
			done, verr := o.pub.VerifyPublished(ctx, receipt)
			if verr != nil {
				return verr
			}
			if done {
				o.log.Info("publish already confirmed, skipping re-publish", "row_id", p.ID)
				published = true
				return nil
			}
		}
		if scheduleAt != nil {
			if _, perr := o.pub.Schedule(ctx, p.Content, *scheduleAt); perr != nil {
				return perr
			}
			published = true
			return nil
		}
		// Any retry after this point must verify first.
		mustVerify = true
		if _, perr := o.pub.Publish(ctx, p.Content); perr != nil {
			return perr
		}
		published = true
		return nil
	})
	if err != nil {
		return o.markFailed(ctx, p, constants.PhasePublish, err)
	}
	if !published {
		return o.markFailed(ctx, p, constants.PhasePublish,
			&retry.PhaseError{Phase: constants.PhasePublish, Permanent: false, Err: errors.New("publish not confirmed")})
	}

	// Store-write sub-step: the post is live, only the bookkeeping retries.
	now := time.Now()
	err = o.retry.Do(ctx, constants.PhasePublish, nil, func(ctx context.Context) error {
		return o.store.WriteFields(ctx, p.ID, store.Fields{PostedAt: &now})
	})
	if err == nil {
		err = o.commitCompletion(ctx, p.ID, constants.PhasePublish)
	}
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return blocked("row changed underneath publish commit")
		}
		return o.markFailed(ctx, p, constants.PhasePublish, err)
	}
	o.log.Info("orchestrator.publish.ok", "row_id", p.ID)
	return completed(constants.StatusPosted)
}

func (o *Orchestrator) runArchive(ctx context.Context, p *entity.Post) Outcome {
	if _, err := o.claim(ctx, p, constants.PhaseArchive); err != nil {
		return o.claimOutcome(p, constants.PhaseArchive, err)
	}

	err := o.retry.Do(ctx, constants.PhaseArchive, o.recorder(p.ID, constants.PhaseArchive), func(ctx context.Context) error {
		return o.store.ArchiveRow(ctx, p.ID)
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// Another process archived it between our claim and the call.
			return blocked("row already archived")
		}
		return o.markFailed(ctx, p, constants.PhaseArchive, err)
	}
	o.log.Info("orchestrator.archive.ok", "row_id", p.ID)
	return completed(constants.StatusArchived)
}

// commitCompletion moves the row from in-progress to the phase's completion
// status and clears the spent attempt counter.
func (o *Orchestrator) commitCompletion(ctx context.Context, rowID uuid.UUID, phase constants.Phase) error {
	if err := o.ledger.Commit(ctx, rowID, ledger.EntryStatus(phase), ledger.CompletionStatus(phase)); err != nil {
		return err
	}
	if err := o.store.ResetAttempts(ctx, rowID, phase); err != nil {
		// The transition landed; a failed counter reset only inflates the
		// next backoff, it cannot corrupt the lifecycle.
		o.log.Warn("attempt counter reset failed", "row_id", rowID, "phase", phase, "error", err)
	}
	return nil
}

func (o *Orchestrator) recorder(rowID uuid.UUID, phase constants.Phase) retry.AttemptRecorder {
	return func(ctx context.Context) (int, error) {
		return o.store.IncrementAttempt(ctx, rowID, phase)
	}
}

// claimOutcome maps a failed claim: a losing CAS is benign contention.
func (o *Orchestrator) claimOutcome(p *entity.Post, phase constants.Phase, err error) Outcome {
	if errors.Is(err, common.ErrConflict) {
		o.log.Info("claim lost to concurrent run", "row_id", p.ID, "phase", phase)
		return blocked("another process holds the row")
	}
	if errors.Is(err, common.ErrNotFound) {
		return blocked("row no longer in active store")
	}
	return Outcome{Kind: OutcomeFailed, Status: p.Status, Phase: phase, Reason: "claiming phase", Err: err}
}

// markFailed records the failure on the row and moves it to FAILED so a
// later run resumes from this phase.
func (o *Orchestrator) markFailed(ctx context.Context, p *entity.Post, phase constants.Phase, cause error) Outcome {
	permanent := false
	attempts := 0
	var pe *retry.PhaseError
	if errors.As(cause, &pe) {
		permanent = pe.Permanent
		attempts = pe.Attempts
	} else {
		permanent = common.IsPermanent(cause)
	}

	msg := cause.Error()
	fields := store.Fields{LastError: &msg, FailedPhase: &phase}
	if err := o.store.WriteFields(ctx, p.ID, fields); err != nil {
		o.log.Error("recording failure fields failed", "row_id", p.ID, "error", err)
	}
	if err := o.ledger.Commit(ctx, p.ID, ledger.EntryStatus(phase), constants.StatusFailed); err != nil {
		if errors.Is(err, common.ErrConflict) {
			return blocked("row changed underneath failure commit")
		}
		o.log.Error("recording failure status failed", "row_id", p.ID, "error", err)
	}

	o.log.Error("orchestrator.phase.failed",
		"row_id", p.ID, "phase", phase, "permanent", permanent,
		"attempts", attempts, "error", cause)
	return Outcome{
		Kind:      OutcomeFailed,
		Status:    constants.StatusFailed,
		Phase:     phase,
		Permanent: permanent,
		Reason:    fmt.Sprintf("phase %s failed", phase),
		Err:       cause,
	}
}
