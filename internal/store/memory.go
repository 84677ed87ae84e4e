package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/common"
	"github.com/postpilot/postpilot/internal/entity"
)

// MemoryStore is an in-memory RecordStore used by tests and dry runs. It
// honors the same CAS and archive semantics as the real backends.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*entity.Post
	order   []uuid.UUID
	archive []*entity.Post

	// BeforeSwap, when set, runs under the lock right before the CAS
	// compare; tests use it to interleave a concurrent mutation.
	BeforeSwap func(p *entity.Post)

	// IncludeFuture makes ReadActiveRow return rows scheduled past now.
	IncludeFuture bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[uuid.UUID]*entity.Post)}
}

// InsertTopic appends a new pending row.
func (m *MemoryStore) InsertTopic(_ context.Context, topic string, scheduledFor *time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &entity.Post{
		ID:            uuid.New(),
		Topic:         topic,
		Status:        constants.StatusPending,
		ScheduledFor:  scheduledFor,
		AttemptCounts: make(map[constants.Phase]int),
	}
	m.rows[p.ID] = p
	m.order = append(m.order, p.ID)
	return p.ID, nil
}

// Seed inserts a fully formed row, for tests that need mid-lifecycle state.
func (m *MemoryStore) Seed(p *entity.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.AttemptCounts == nil {
		p.AttemptCounts = make(map[constants.Phase]int)
	}
	cp := clone(p)
	m.rows[cp.ID] = cp
	m.order = append(m.order, cp.ID)
}

// Archived returns the archive copies, oldest first.
func (m *MemoryStore) Archived() []*entity.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entity.Post, len(m.archive))
	for i, p := range m.archive {
		out[i] = clone(p)
	}
	return out
}

func (m *MemoryStore) ReadActiveRow(ctx context.Context) (*entity.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, id := range m.order {
		p, ok := m.rows[id]
		if !ok || p.Status.Terminal() || p.Topic == "" {
			continue
		}
		if !m.IncludeFuture && p.ScheduledFor != nil && p.ScheduledFor.After(now) {
			continue
		}
		return clone(p), nil
	}
	return nil, common.NewAppError("NO_ACTIVE_ROW", "no row with pending work", common.ErrNotFound)
}

func (m *MemoryStore) GetRow(ctx context.Context, rowID uuid.UUID) (*entity.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[rowID]
	if !ok {
		return nil, common.NewAppError("ROW_NOT_FOUND", "row "+rowID.String()+" not found", common.ErrNotFound)
	}
	return clone(p), nil
}

func (m *MemoryStore) WriteFields(ctx context.Context, rowID uuid.UUID, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[rowID]
	if !ok {
		return common.NewAppError("ROW_NOT_FOUND", "row "+rowID.String()+" not found", common.ErrNotFound)
	}
	if fields.Content != nil {
		p.Content = *fields.Content
	}
	if fields.LastError != nil {
		p.LastError = *fields.LastError
	}
	if fields.FailedPhase != nil {
		p.FailedPhase = *fields.FailedPhase
	}
	if fields.GeneratedAt != nil {
		t := *fields.GeneratedAt
		p.GeneratedAt = &t
	}
	if fields.PostedAt != nil {
		t := *fields.PostedAt
		p.PostedAt = &t
	}
	return nil
}

func (m *MemoryStore) CompareAndSwapStatus(ctx context.Context, rowID uuid.UUID, expected, next constants.PostStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[rowID]
	if !ok {
		return common.NewAppError("ROW_NOT_FOUND", "row "+rowID.String()+" not found", common.ErrNotFound)
	}
	if m.BeforeSwap != nil {
		m.BeforeSwap(p)
	}
	if p.Status != expected {
		return common.NewAppError("STATUS_CONFLICT",
			fmt.Sprintf("row %s is %s, expected %s", rowID, p.Status, expected),
			common.ErrConflict)
	}
	p.Status = next
	return nil
}

func (m *MemoryStore) IncrementAttempt(ctx context.Context, rowID uuid.UUID, phase constants.Phase) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[rowID]
	if !ok {
		return 0, common.NewAppError("ROW_NOT_FOUND", "row "+rowID.String()+" not found", common.ErrNotFound)
	}
	p.AttemptCounts[phase]++
	return p.AttemptCounts[phase], nil
}

func (m *MemoryStore) ResetAttempts(ctx context.Context, rowID uuid.UUID, phase constants.Phase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[rowID]
	if !ok {
		return common.NewAppError("ROW_NOT_FOUND", "row "+rowID.String()+" not found", common.ErrNotFound)
	}
	delete(p.AttemptCounts, phase)
	return nil
}

func (m *MemoryStore) ClearContent(ctx context.Context, rowID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[rowID]
	if !ok {
		return common.NewAppError("ROW_NOT_FOUND", "row "+rowID.String()+" not found", common.ErrNotFound)
	}
	p.Content = ""
	p.GeneratedAt = nil
	return nil
}

func (m *MemoryStore) ArchiveRow(ctx context.Context, rowID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[rowID]
	if !ok {
		return common.NewAppError("ROW_NOT_FOUND", "row "+rowID.String()+" not found", common.ErrNotFound)
	}
	if p.Status != constants.StatusPosted && p.Status != constants.StatusArchiving {
		return common.NewAppError("ARCHIVE_PRECONDITION",
			fmt.Sprintf("row %s is %s, archive requires POSTED or ARCHIVING", rowID, p.Status),
			common.ErrPermanent)
	}
	cp := clone(p)
	cp.Status = constants.StatusArchived
	now := time.Now()
	cp.ArchivedAt = &now
	m.archive = append(m.archive, cp)
	delete(m.rows, rowID)
	for i, id := range m.order {
		if id == rowID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func clone(p *entity.Post) *entity.Post {
	cp := *p
	cp.AttemptCounts = make(map[constants.Phase]int, len(p.AttemptCounts))
	for k, v := range p.AttemptCounts {
		cp.AttemptCounts[k] = v
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	cp.ScheduledFor = copyTime(p.ScheduledFor)
	cp.GeneratedAt = copyTime(p.GeneratedAt)
	cp.PostedAt = copyTime(p.PostedAt)
	cp.ArchivedAt = copyTime(p.ArchivedAt)
	return &cp
}
