// Package ledger is the single authority on legal status transitions. Every
// status mutation the orchestrator makes goes through Commit, which rides on
// the store's compare-and-swap so two orchestrator processes can never both
// move the same row.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/common"
	"github.com/postpilot/postpilot/internal/entity"
	"github.com/postpilot/postpilot/internal/store"
)

// transitions is the closed set of legal status moves. FAILED re-entry goes
// back to the in-progress status of the phase that failed; regeneration
// (GENERATED back to GENERATING) is only reachable through
// RequestRegeneration, never through Commit.
var transitions = map[constants.PostStatus][]constants.PostStatus{
	constants.StatusPending:    {constants.StatusGenerating},
	constants.StatusGenerating: {constants.StatusGenerated, constants.StatusFailed},
	constants.StatusGenerated:  {constants.StatusPosting},
	constants.StatusPosting:    {constants.StatusPosted, constants.StatusFailed},
	constants.StatusPosted:     {constants.StatusArchiving},
	constants.StatusArchiving:  {constants.StatusArchived, constants.StatusFailed},
	constants.StatusFailed:     {constants.StatusGenerating, constants.StatusPosting, constants.StatusArchiving},
	constants.StatusArchived:   {},
}

// Ledger validates and persists status transitions.
type Ledger struct {
	store store.RecordStore
	log   *slog.Logger
}

func New(st store.RecordStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, log: logger}
}

// NextPhase returns the phase a row at this point in its lifecycle needs
// next, or ok=false when nothing is left to do. A FAILED row resumes the
// phase recorded as failed.
func NextPhase(p *entity.Post) (constants.Phase, bool) {
	switch p.Status {
	case constants.StatusPending, constants.StatusGenerating:
		return constants.PhaseGenerate, true
	case constants.StatusGenerated, constants.StatusPosting:
		return constants.PhasePublish, true
	case constants.StatusPosted, constants.StatusArchiving:
		return constants.PhaseArchive, true
	case constants.StatusFailed:
		if p.FailedPhase != "" {
			return p.FailedPhase, true
		}
		// Legacy rows without a recorded phase: infer from what survived.
		if !p.HasContent() {
			return constants.PhaseGenerate, true
		}
		return constants.PhasePublish, true
	}
	return "", false
}

// EntryStatus is the in-progress status a phase claims before running.
func EntryStatus(phase constants.Phase) constants.PostStatus {
	switch phase {
	case constants.PhaseGenerate:
		return constants.StatusGenerating
	case constants.PhasePublish:
		return constants.StatusPosting
	default:
		return constants.StatusArchiving
	}
}

// CompletionStatus is the status a phase commits after succeeding.
func CompletionStatus(phase constants.Phase) constants.PostStatus {
	switch phase {
	case constants.PhaseGenerate:
		return constants.StatusGenerated
	case constants.PhasePublish:
		return constants.StatusPosted
	default:
		return constants.StatusArchived
	}
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to constants.PostStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Commit performs a transition as a compare-and-swap write: it succeeds only
// if the persisted status still equals from. A losing swap surfaces as
// common.ErrConflict, which callers treat as benign contention, not failure.
func (l *Ledger) Commit(ctx context.Context, rowID uuid.UUID, from, to constants.PostStatus) error {
	if !Allowed(from, to) {
		return common.NewAppError("ILLEGAL_TRANSITION",
			fmt.Sprintf("%s -> %s is not a legal transition", from, to),
			common.ErrPermanent)
	}
	if err := l.store.CompareAndSwapStatus(ctx, rowID, from, to); err != nil {
		return err
	}
	l.log.Debug("transition committed", "row_id", rowID, "from", from, "to", to)
	return nil
}

// RequestRegeneration discards generated content and moves a GENERATED row
// back to GENERATING. This is an explicit operator action, not part of
// forward progression; triggering policy belongs to the caller.
func (l *Ledger) RequestRegeneration(ctx context.Context, rowID uuid.UUID) error {
	p, err := l.store.GetRow(ctx, rowID)
	if err != nil {
		return err
	}
	if p.Status != constants.StatusGenerated {
		return common.NewAppError("REGENERATE_PRECONDITION",
			fmt.Sprintf("row %s is %s, regeneration requires GENERATED", rowID, p.Status),
			common.ErrInvalidInput)
	}
	if err := l.store.CompareAndSwapStatus(ctx, rowID, constants.StatusGenerated, constants.StatusGenerating); err != nil {
		return err
	}
	if err := l.store.ClearContent(ctx, rowID); err != nil {
		return err
	}
	if err := l.store.ResetAttempts(ctx, rowID, constants.PhaseGenerate); err != nil {
		return err
	}
	l.log.Info("regeneration requested", "row_id", rowID)
	return nil
}
