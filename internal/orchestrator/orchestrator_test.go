package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/common"
	"github.com/postpilot/postpilot/internal/entity"
	"github.com/postpilot/postpilot/internal/generator"
	"github.com/postpilot/postpilot/internal/ledger"
	"github.com/postpilot/postpilot/internal/publisher"
	"github.com/postpilot/postpilot/internal/retry"
	"github.com/postpilot/postpilot/internal/store"
)

const testDraft = "Remote work changed everything. Focus is the new currency. Here is how to keep it."

type fakeGenerator struct {
	calls int
	fn    func(req generator.Request) (generator.Draft, error)
}

func (f *fakeGenerator) Generate(_ context.Context, req generator.Request) (generator.Draft, error) {
	f.calls++
	return f.fn(req)
}

type fakePublisher struct {
	publishCalls  int
	scheduleCalls int
	verifyCalls   int
	scheduledAt   time.Time
	publish       func(content string) (publisher.Receipt, error)
	schedule      func(content string, at time.Time) (publisher.Receipt, error)
	verify        func(r publisher.Receipt) (bool, error)
}

func (f *fakePublisher) Publish(_ context.Context, content string) (publisher.Receipt, error) {
	f.publishCalls++
	if f.publish == nil {
		return publisher.NewReceipt(content), nil
	}
	return f.publish(content)
}

func (f *fakePublisher) Schedule(_ context.Context, content string, at time.Time) (publisher.Receipt, error) {
	f.scheduleCalls++
	f.scheduledAt = at
	if f.schedule == nil {
		return publisher.NewReceipt(content), nil
	}
	return f.schedule(content, at)
}

func (f *fakePublisher) VerifyPublished(_ context.Context, r publisher.Receipt) (bool, error) {
	f.verifyCalls++
	if f.verify == nil {
		return false, nil
	}
	return f.verify(r)
}

func okGenerator() *fakeGenerator {
	return &fakeGenerator{fn: func(req generator.Request) (generator.Draft, error) {
		return generator.Draft{Content: testDraft, WordCount: generator.WordCount(testDraft), Model: "test"}, nil
	}}
}

func newTestOrchestrator(t *testing.T, mem *store.MemoryStore, gen generator.Generator, pub publisher.Publisher) *Orchestrator {
	t.Helper()
	pol := retry.New(common.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  1,
		MaxDelay:    time.Millisecond,
	}, nil)
	return New(mem, ledger.New(mem, nil), gen, pub, pol, nil)
}

func TestRunOnceAdvancesOnePhase(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	gen := okGenerator()
	pub := &fakePublisher{}
	o := newTestOrchestrator(t, mem, gen, pub)

	id, err := mem.InsertTopic(ctx, "remote work productivity", nil)
	require.NoError(t, err)

	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusGenerated, out.Status)
	p, err := mem.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testDraft, p.Content)
	assert.NotNil(t, p.GeneratedAt)
	assert.Zero(t, p.Attempts(constants.PhaseGenerate), "counter cleared after success")

	out = o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusPosted, out.Status)
	assert.Equal(t, 1, pub.publishCalls)
	assert.Zero(t, pub.verifyCalls, "first-ever attempt needs no verification")
	p, err = mem.GetRow(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, p.PostedAt)

	out = o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusArchived, out.Status)

	// Row is out of the active store; the archive holds the full history.
	_, err = mem.GetRow(ctx, id)
	assert.ErrorIs(t, err, common.ErrNotFound)
	archived := mem.Archived()
	require.Len(t, archived, 1)
	assert.Equal(t, id, archived[0].ID)
	assert.Equal(t, testDraft, archived[0].Content)
	assert.Equal(t, constants.StatusArchived, archived[0].Status)

	// Nothing left to do.
	out = o.RunOnce(ctx)
	assert.Equal(t, OutcomeBlocked, out.Kind)
	assert.Equal(t, 1, gen.calls, "generation ran exactly once end to end")
	assert.Equal(t, 1, pub.publishCalls, "publish ran exactly once end to end")
}

func TestRunDrivesRowToArchive(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	o := newTestOrchestrator(t, mem, okGenerator(), &fakePublisher{})
	_, err := mem.InsertTopic(ctx, "ai in hiring", nil)
	require.NoError(t, err)

	out := o.Run(ctx)
	assert.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusArchived, out.Status)
	require.Len(t, mem.Archived(), 1)
}

func TestRunOnceNoWork(t *testing.T) {
	mem := store.NewMemoryStore()
	o := newTestOrchestrator(t, mem, okGenerator(), &fakePublisher{})
	out := o.RunOnce(context.Background())
	assert.Equal(t, OutcomeBlocked, out.Kind)
}

func TestGenerateRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	gen := &fakeGenerator{fn: func(generator.Request) (generator.Draft, error) {
		return generator.Draft{}, generator.ErrUpstream
	}}
	o := newTestOrchestrator(t, mem, gen, &fakePublisher{})
	id, err := mem.InsertTopic(ctx, "flaky topic", nil)
	require.NoError(t, err)

	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, constants.PhaseGenerate, out.Phase)
	assert.False(t, out.Permanent, "exhaustion is retryable on a later run")
	assert.Equal(t, 3, gen.calls, "budget of 3 tries, no more")

	p, err := mem.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusFailed, p.Status)
	assert.Equal(t, constants.PhaseGenerate, p.FailedPhase)
	assert.NotEmpty(t, p.LastError)
	assert.Equal(t, 3, p.Attempts(constants.PhaseGenerate), "spent budget persisted on the row")
}

func TestFailedRowRecoversOnLaterRun(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	gen := &fakeGenerator{fn: func(generator.Request) (generator.Draft, error) {
		return generator.Draft{}, generator.ErrUpstream
	}}
	o := newTestOrchestrator(t, mem, gen, &fakePublisher{})
	id, err := mem.InsertTopic(ctx, "eventually fine", nil)
	require.NoError(t, err)

	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeFailed, out.Kind)

	// The upstream healed; the next scheduled run resumes the failed phase
	// with a fresh budget.
	gen.fn = func(generator.Request) (generator.Draft, error) {
		return generator.Draft{Content: testDraft}, nil
	}
	out = o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusGenerated, out.Status)

	p, err := mem.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testDraft, p.Content)
}

func TestGeneratePermanentFailureSkipsRetry(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	gen := &fakeGenerator{fn: func(generator.Request) (generator.Draft, error) {
		return generator.Draft{}, generator.ErrInvalidTemplate
	}}
	o := newTestOrchestrator(t, mem, gen, &fakePublisher{})
	id, err := mem.InsertTopic(ctx, "doomed topic", nil)
	require.NoError(t, err)

	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.True(t, out.Permanent)
	assert.Equal(t, 1, gen.calls, "permanent errors never retry")

	p, err := mem.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusFailed, p.Status)
}

func TestPublishAtMostOnce(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.Seed(&entity.Post{
		Topic:   "landed but unconfirmed",
		Content: testDraft,
		Status:  constants.StatusGenerated,
	})

	// The publish action lands but the session dies before confirming:
	// the post is live, the caller sees a network error.
	live := false
	pub := &fakePublisher{}
	pub.publish = func(content string) (publisher.Receipt, error) {
		live = true
		return publisher.Receipt{}, publisher.ErrNetwork
	}
	pub.verify = func(r publisher.Receipt) (bool, error) {
		return live, nil
	}
	o := newTestOrchestrator(t, mem, okGenerator(), pub)

	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusPosted, out.Status)
	assert.Equal(t, 1, pub.publishCalls, "never re-publish once the post may be live")
	assert.GreaterOrEqual(t, pub.verifyCalls, 1)
}

func TestPublishResumeVerifiesBeforePublishing(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	// A previous process crashed mid-publish: status POSTING, one attempt
	// burned, and the post actually made it out.
	mem.Seed(&entity.Post{
		Topic:         "crashed mid-publish",
		Content:       testDraft,
		Status:        constants.StatusPosting,
		AttemptCounts: map[constants.Phase]int{constants.PhasePublish: 1},
	})

	pub := &fakePublisher{verify: func(publisher.Receipt) (bool, error) { return true, nil }}
	o := newTestOrchestrator(t, mem, okGenerator(), pub)

	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusPosted, out.Status)
	assert.Zero(t, pub.publishCalls, "verification found the post, no re-publish")
	assert.Equal(t, 1, pub.verifyCalls)
}

func TestPublishResumeNotLandedRepublishes(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.Seed(&entity.Post{
		Topic:         "crashed before publish",
		Content:       testDraft,
		Status:        constants.StatusPosting,
		AttemptCounts: map[constants.Phase]int{constants.PhasePublish: 1},
	})

	pub := &fakePublisher{verify: func(publisher.Receipt) (bool, error) { return false, nil }}
	o := newTestOrchestrator(t, mem, okGenerator(), pub)

	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusPosted, out.Status)
	assert.Equal(t, 1, pub.publishCalls)
}

func TestClaimLostToConcurrentRun(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.Seed(&entity.Post{
		Topic:   "contended row",
		Content: testDraft,
		Status:  constants.StatusGenerated,
	})
	pub := &fakePublisher{}
	o := newTestOrchestrator(t, mem, okGenerator(), pub)

	// Another process claims the row between our read and our swap.
	mem.BeforeSwap = func(p *entity.Post) {
		if p.Status == constants.StatusGenerated {
			p.Status = constants.StatusPosting
		}
		mem.BeforeSwap = nil
	}
	out := o.RunOnce(ctx)
	assert.Equal(t, OutcomeBlocked, out.Kind)
	assert.Zero(t, pub.publishCalls, "losing the claim means doing nothing")
}

func TestInvariantViolationLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.Seed(&entity.Post{
		Topic:  "content went missing",
		Status: constants.StatusGenerated, // requires content, has none
	})
	o := newTestOrchestrator(t, mem, okGenerator(), &fakePublisher{})

	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.True(t, out.Permanent)
	assert.ErrorIs(t, out.Err, common.ErrInvalidInput)

	// The row still shows exactly what the store held, for the operator.
	p, err := mem.ReadActiveRow(ctx)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusGenerated, p.Status)
	assert.Empty(t, p.LastError)
}

func TestScheduledRowWaits(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	tomorrow := time.Now().AddDate(0, 0, 1)
	_, err := mem.InsertTopic(ctx, "not before tomorrow", &tomorrow)
	require.NoError(t, err)

	gen := okGenerator()
	o := newTestOrchestrator(t, mem, gen, &fakePublisher{})
	out := o.RunOnce(ctx)
	assert.Equal(t, OutcomeBlocked, out.Kind)
	assert.Zero(t, gen.calls)
}

func TestFutureRowSchedulesNatively(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.IncludeFuture = true
	tomorrow := time.Now().AddDate(0, 0, 1)
	mem.Seed(&entity.Post{
		Topic:        "queued for tomorrow",
		Content:      testDraft,
		Status:       constants.StatusGenerated,
		ScheduledFor: &tomorrow,
	})

	pub := &fakePublisher{}
	o := newTestOrchestrator(t, mem, okGenerator(), pub)

	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusPosted, out.Status)
	assert.Equal(t, 1, pub.scheduleCalls)
	assert.Zero(t, pub.publishCalls)
	assert.Zero(t, pub.verifyCalls)
	assert.True(t, pub.scheduledAt.Equal(tomorrow))
}

func TestDueRowPublishesImmediately(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	yesterday := time.Now().AddDate(0, 0, -1)
	mem.Seed(&entity.Post{
		Topic:        "due since yesterday",
		Content:      testDraft,
		Status:       constants.StatusGenerated,
		ScheduledFor: &yesterday,
	})

	pub := &fakePublisher{}
	o := newTestOrchestrator(t, mem, okGenerator(), pub)

	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusPosted, out.Status)
	assert.Equal(t, 1, pub.publishCalls)
	assert.Zero(t, pub.scheduleCalls)
}

func TestRegeneratedRowGetsFreshDraft(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	led := ledger.New(mem, nil)
	gen := okGenerator()
	o := newTestOrchestrator(t, mem, gen, &fakePublisher{})

	id, err := mem.InsertTopic(ctx, "second opinion", nil)
	require.NoError(t, err)
	out := o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	require.Equal(t, constants.StatusGenerated, out.Status)

	require.NoError(t, led.RequestRegeneration(ctx, id))
	p, err := mem.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, p.Content)

	out = o.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, out.Kind)
	assert.Equal(t, constants.StatusGenerated, out.Status)
	assert.Equal(t, 2, gen.calls)
	p, err = mem.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testDraft, p.Content)
}
