package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/entity"
)

// Fields is a partial update applied to a row. Nil members are left
// untouched. Status is never part of a Fields write; all status mutation
// goes through CompareAndSwapStatus.
type Fields struct {
	Content     *string
	LastError   *string
	FailedPhase *constants.Phase
	GeneratedAt *time.Time
	PostedAt    *time.Time
}

// RecordStore is the persistence contract the core consumes. Implementations
// must return common.ErrNotFound (wrapped) when no active row exists and
// common.ErrConflict (wrapped) when a CAS loses.
type RecordStore interface {
	// ReadActiveRow returns the single next row of work. Rows scheduled for
	// a future date are not active yet.
	ReadActiveRow(ctx context.Context) (*entity.Post, error)

	// GetRow re-reads one row by ID, the authoritative copy.
	GetRow(ctx context.Context, rowID uuid.UUID) (*entity.Post, error)

	// WriteFields applies a partial update to a row.
	WriteFields(ctx context.Context, rowID uuid.UUID, fields Fields) error

	// CompareAndSwapStatus writes the new status only if the persisted
	// status still equals expected.
	CompareAndSwapStatus(ctx context.Context, rowID uuid.UUID, expected, next constants.PostStatus) error

	// IncrementAttempt bumps the persisted per-phase attempt counter and
	// returns the new value.
	IncrementAttempt(ctx context.Context, rowID uuid.UUID, phase constants.Phase) (int, error)

	// ResetAttempts clears the per-phase attempt counter after the phase
	// completes.
	ResetAttempts(ctx context.Context, rowID uuid.UUID, phase constants.Phase) error

	// ClearContent discards generated content (regeneration support).
	ClearContent(ctx context.Context, rowID uuid.UUID) error

	// ArchiveRow copies the full row to the archive location with status
	// ARCHIVED and removes it from the active store. Only valid while the
	// row status is POSTED or ARCHIVING.
	ArchiveRow(ctx context.Context, rowID uuid.UUID) error

	Close() error
}

// TopicAppender is the intake side of a store: appending new pending rows.
// All three backends implement it; the core never calls it.
type TopicAppender interface {
	InsertTopic(ctx context.Context, topic string, scheduledFor *time.Time) (uuid.UUID, error)
}
