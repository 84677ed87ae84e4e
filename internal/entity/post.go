package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/common"
)

// Post represents the active row for data transfer between layers. The
// attempt counters live on the row itself so a process restart resumes the
// backoff schedule instead of resetting it.
type Post struct {
	ID            uuid.UUID                   `json:"id"`
	RowNum        int                         `json:"row_num"`
	Topic         string                      `json:"topic"`
	Content       string                      `json:"content,omitempty"`
	Status        constants.PostStatus        `json:"status"`
	FailedPhase   constants.Phase             `json:"failed_phase,omitempty"`
	LastError     string                      `json:"last_error,omitempty"`
	AttemptCounts map[constants.Phase]int     `json:"attempt_counts,omitempty"`
	ScheduledFor  *time.Time                  `json:"scheduled_for,omitempty"`
	GeneratedAt   *time.Time                  `json:"generated_at,omitempty"`
	PostedAt      *time.Time                  `json:"posted_at,omitempty"`
	ArchivedAt    *time.Time                  `json:"archived_at,omitempty"`
}

// HasContent reports whether generated content is present.
func (p *Post) HasContent() bool {
	return strings.TrimSpace(p.Content) != ""
}

// Attempts returns the persisted attempt count for a phase.
func (p *Post) Attempts(phase constants.Phase) int {
	if p.AttemptCounts == nil {
		return 0
	}
	return p.AttemptCounts[phase]
}

// Validate checks the row invariants: a known status, a non-empty topic,
// and content present whenever the status implies post-generation phases.
func (p *Post) Validate() error {
	if strings.TrimSpace(p.Topic) == "" {
		return common.NewAppError("ROW_INVALID", "topic is empty", common.ErrInvalidInput)
	}
	if !p.Status.Valid() {
		return common.NewAppError("ROW_INVALID", "unknown status "+string(p.Status), common.ErrInvalidInput)
	}
	if p.Status.RequiresContent() && !p.HasContent() {
		return common.NewAppError("ROW_INVALID", "content missing at status "+string(p.Status), common.ErrInvalidInput)
	}
	return nil
}
