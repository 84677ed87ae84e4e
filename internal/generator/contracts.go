package generator

import (
	"context"

	"github.com/postpilot/postpilot/internal/common"
)

// Deterministic failure modes. Each wraps a classification root so the
// retry policy can sort them with errors.Is.
var (
	ErrRateLimited     = common.NewAppError("RATE_LIMITED", "generator rate limited", common.ErrTransient)
	ErrUpstream        = common.NewAppError("UPSTREAM_ERROR", "generator upstream error", common.ErrTransient)
	ErrInvalidTemplate = common.NewAppError("INVALID_TEMPLATE", "prompt template missing or malformed", common.ErrPermanent)
	ErrDraftRejected   = common.NewAppError("DRAFT_REJECTED", "generated draft failed validation", common.ErrTransient)
)

// Request asks for one post draft on a topic.
type Request struct {
	RequestID string
	Topic     string
}

// Draft is the cleaned, publish-ready output of one generation call.
type Draft struct {
	Content   string   `json:"post"`
	Hashtags  []string `json:"hashtags,omitempty"`
	Language  string   `json:"language,omitempty"`
	WordCount int      `json:"-"`
	Model     string   `json:"-"`
}

// Generator is the interface the orchestrator depends on.
type Generator interface {
	Generate(ctx context.Context, req Request) (Draft, error)
}
