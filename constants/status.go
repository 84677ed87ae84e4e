package constants

import "strings"

// PostStatus is the canonical status for rows in the active store.
type PostStatus string

// Stable values (store these exact strings in the sheet / DB).
const (
	StatusPending    PostStatus = "PENDING"    // topic present, nothing generated yet
	StatusGenerating PostStatus = "GENERATING" // generation in progress
	StatusGenerated  PostStatus = "GENERATED"  // content present, not yet published
	StatusPosting    PostStatus = "POSTING"    // publish in progress
	StatusPosted     PostStatus = "POSTED"     // publish confirmed
	StatusArchiving  PostStatus = "ARCHIVING"  // archive copy in progress
	StatusArchived   PostStatus = "ARCHIVED"   // terminal success
	StatusFailed     PostStatus = "FAILED"     // retry exhaustion or permanent error
)

// Phase is one lifecycle step executed by the orchestrator.
type Phase string

const (
	PhaseGenerate Phase = "GENERATE"
	PhasePublish  Phase = "PUBLISH"
	PhaseArchive  Phase = "ARCHIVE"
)

// phaseRank orders statuses by lifecycle progress. FAILED carries no rank;
// a failed row resumes from the phase recorded next to it.
var phaseRank = map[PostStatus]int{
	StatusPending:    0,
	StatusGenerating: 1,
	StatusGenerated:  2,
	StatusPosting:    3,
	StatusPosted:     4,
	StatusArchiving:  5,
	StatusArchived:   6,
}

// Valid reports whether s is one of the defined enum values.
func (s PostStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := phaseRank[s]
	return ok
}

// Terminal reports whether the lifecycle is over for this row.
func (s PostStatus) Terminal() bool {
	return s == StatusArchived
}

// RequiresContent reports whether the invariant "content is non-empty"
// must hold at this status.
func (s PostStatus) RequiresContent() bool {
	switch s {
	case StatusGenerated, StatusPosting, StatusPosted, StatusArchiving, StatusArchived:
		return true
	}
	return false
}

// Before reports whether s comes strictly earlier than other in lifecycle
// order. FAILED compares as earlier than everything ranked.
func (s PostStatus) Before(other PostStatus) bool {
	a, aok := phaseRank[s]
	b, bok := phaseRank[other]
	if !aok || !bok {
		return !aok && bok
	}
	return a < b
}

// ParseStatus maps a raw cell value to the canonical enum. The legacy
// sheet used a bare "yes"/"no" posted flag; those aliases are accepted
// here so existing sheets keep working. Unknown values report ok=false.
func ParseStatus(raw string) (PostStatus, bool) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch v {
	case "":
		return StatusPending, true
	case "YES", "OUI":
		return StatusPosted, true
	case "NO", "NON":
		return StatusPending, true
	}
	s := PostStatus(v)
	if s.Valid() {
		return s, true
	}
	return "", false
}
