package publisher

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/postpilot/postpilot/internal/common"
)

// Deterministic failure modes for publish adapters.
var (
	ErrAuthenticationFailed = common.NewAppError("AUTH_FAILED", "publisher authentication rejected", common.ErrPermanent)
	ErrElementNotFound      = common.NewAppError("ELEMENT_NOT_FOUND", "interface element not found", common.ErrTransient)
	ErrNetwork              = common.NewAppError("NETWORK_ERROR", "publisher network error", common.ErrTransient)
)

// Receipt is the opaque confirmation returned by a successful publish. The
// content prefix is the idempotency hint VerifyPublished matches against
// the published feed before any retry re-invokes the publish action.
type Receipt struct {
	ContentPrefix string    `json:"content_prefix"`
	PublishedAt   time.Time `json:"published_at"`
}

// receiptPrefixLen keeps the hint short enough to match reliably in a feed
// excerpt while staying specific to one post.
const receiptPrefixLen = 80

// NewReceipt builds a receipt hint for content about to be (or just)
// published. The prefix is cut on a rune boundary so it stays valid UTF-8.
func NewReceipt(content string) Receipt {
	normalized := strings.Join(strings.Fields(content), " ")
	if len(normalized) > receiptPrefixLen {
		cut := receiptPrefixLen
		for cut > 0 && !utf8.RuneStart(normalized[cut]) {
			cut--
		}
		normalized = normalized[:cut]
	}
	return Receipt{ContentPrefix: normalized, PublishedAt: time.Now()}
}

// Publisher drives the UI automation session. Implementations must tear
// down any partial session before returning; the orchestrator never resumes
// one mid-flight.
type Publisher interface {
	// Publish runs authentication, content entry and the publish action.
	Publish(ctx context.Context, content string) (Receipt, error)

	// Schedule enters the content and uses the platform's native
	// scheduling flow to queue publication at the given time. The post is
	// not in the feed until that time, so the receipt cannot be
	// feed-verified before then.
	Schedule(ctx context.Context, content string, at time.Time) (Receipt, error)

	// VerifyPublished reports whether a post matching the receipt hint is
	// already visible. Called before any publish retry so a store-write
	// failure after a successful publish never causes a double post.
	VerifyPublished(ctx context.Context, receipt Receipt) (bool, error)
}
