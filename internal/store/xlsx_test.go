package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/common"
)

func newTestWorkbook(t *testing.T) *XLSXStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "posts.xlsx")
	s, err := OpenXLSX(path, "Posts", "Archive", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestXLSXInsertAndReadActiveRow(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkbook(t)

	id, err := s.InsertTopic(ctx, "remote work productivity", nil)
	require.NoError(t, err)

	p, err := s.ReadActiveRow(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, "remote work productivity", p.Topic)
	assert.Equal(t, constants.StatusPending, p.Status)
	assert.Empty(t, p.Content)
	assert.Zero(t, p.Attempts(constants.PhaseGenerate))
}

func TestXLSXReadActiveRowEmptySheet(t *testing.T) {
	s := newTestWorkbook(t)
	_, err := s.ReadActiveRow(context.Background())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestXLSXReadActiveRowSkipsScheduledFuture(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkbook(t)

	tomorrow := time.Now().AddDate(0, 0, 1)
	_, err := s.InsertTopic(ctx, "not yet", &tomorrow)
	require.NoError(t, err)
	yesterday := time.Now().AddDate(0, 0, -1)
	dueID, err := s.InsertTopic(ctx, "due now", &yesterday)
	require.NoError(t, err)

	p, err := s.ReadActiveRow(ctx)
	require.NoError(t, err)
	assert.Equal(t, dueID, p.ID)
	assert.Equal(t, "due now", p.Topic)
}

func TestXLSXIncludeFutureReturnsScheduledRow(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkbook(t)

	tomorrow := time.Now().AddDate(0, 0, 1)
	id, err := s.InsertTopic(ctx, "queue ahead", &tomorrow)
	require.NoError(t, err)

	_, err = s.ReadActiveRow(ctx)
	require.ErrorIs(t, err, common.ErrNotFound)

	s.SetIncludeFuture(true)
	p, err := s.ReadActiveRow(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	require.NotNil(t, p.ScheduledFor)
	assert.True(t, p.ScheduledFor.After(time.Now()))
}

func TestXLSXAssignsIDToLegacyRow(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.xlsx")

	// Hand-built sheet the way the old process left it: no id column
	// value, a bare "no" posted flag and a DD/MM/YYYY date.
	f := excelize.NewFile()
	_, err := f.NewSheet("Posts")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Posts", "A1", &[]any{
		"id", "topic", "content", "status", "failed_phase",
		"generate_attempts", "publish_attempts", "archive_attempts",
		"last_error", "scheduled", "generated_at", "posted_at",
	}))
	require.NoError(t, f.SetSheetRow("Posts", "A2", &[]any{
		"", "ai in hiring", "", "no", "", "", "", "", "", "01/01/2020", "", "",
	}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	s, err := OpenXLSX(path, "Posts", "Archive", nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	p, err := s.ReadActiveRow(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, p.ID, "legacy row gets an id assigned")
	assert.Equal(t, constants.StatusPending, p.Status)
	require.NotNil(t, p.ScheduledFor)
	assert.Equal(t, 2020, p.ScheduledFor.Year())

	// The assignment is persisted, not just in-memory.
	again, err := s.ReadActiveRow(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
}

func TestXLSXWriteFieldsAndReadBack(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkbook(t)
	id, err := s.InsertTopic(ctx, "topic", nil)
	require.NoError(t, err)

	content := "A post body.\n\nWith two paragraphs."
	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.WriteFields(ctx, id, Fields{Content: &content, GeneratedAt: &now}))

	p, err := s.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, content, p.Content)
	require.NotNil(t, p.GeneratedAt)
	assert.Equal(t, now.Format(cellTimeLayout), p.GeneratedAt.Format(cellTimeLayout))
}

func TestXLSXContentReadBackChecksSavedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "posts.xlsx")
	s, err := OpenXLSX(path, "Posts", "Archive", nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	id, err := s.InsertTopic(ctx, "topic", nil)
	require.NoError(t, err)
	content := "Déjà vu — a post with accents.\n\nSecond paragraph."
	require.NoError(t, s.WriteFields(ctx, id, Fields{Content: &content}))

	// The write verified itself against the file on disk; an independent
	// reader must see the identical cell value.
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	cell, err := excelize.CoordinatesToCellName(colContent, headerRow+1)
	require.NoError(t, err)
	got, err := f.GetCellValue("Posts", cell)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestXLSXCompareAndSwapStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkbook(t)
	id, err := s.InsertTopic(ctx, "topic", nil)
	require.NoError(t, err)

	require.NoError(t, s.CompareAndSwapStatus(ctx, id, constants.StatusPending, constants.StatusGenerating))

	// Second swap from the same expected status loses.
	err = s.CompareAndSwapStatus(ctx, id, constants.StatusPending, constants.StatusGenerating)
	assert.ErrorIs(t, err, common.ErrConflict)

	p, err := s.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusGenerating, p.Status)
}

func TestXLSXAttemptCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkbook(t)
	id, err := s.InsertTopic(ctx, "topic", nil)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := s.IncrementAttempt(ctx, id, constants.PhasePublish)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	p, err := s.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Attempts(constants.PhasePublish))
	assert.Zero(t, p.Attempts(constants.PhaseGenerate), "counters are per phase")

	require.NoError(t, s.ResetAttempts(ctx, id, constants.PhasePublish))
	p, err = s.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, p.Attempts(constants.PhasePublish))
}

func TestXLSXClearContent(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkbook(t)
	id, err := s.InsertTopic(ctx, "topic", nil)
	require.NoError(t, err)
	content := "old draft"
	now := time.Now()
	require.NoError(t, s.WriteFields(ctx, id, Fields{Content: &content, GeneratedAt: &now}))

	require.NoError(t, s.ClearContent(ctx, id))

	p, err := s.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, p.Content)
	assert.Nil(t, p.GeneratedAt)
}

func TestXLSXArchiveRow(t *testing.T) {
	ctx := context.Background()
	s := newTestWorkbook(t)
	id, err := s.InsertTopic(ctx, "shipped topic", nil)
	require.NoError(t, err)
	content := "the published post"
	require.NoError(t, s.WriteFields(ctx, id, Fields{Content: &content}))

	// Archive requires POSTED or ARCHIVING.
	err = s.ArchiveRow(ctx, id)
	assert.ErrorIs(t, err, common.ErrPermanent)

	require.NoError(t, s.CompareAndSwapStatus(ctx, id, constants.StatusPending, constants.StatusGenerating))
	require.NoError(t, s.CompareAndSwapStatus(ctx, id, constants.StatusGenerating, constants.StatusGenerated))
	require.NoError(t, s.CompareAndSwapStatus(ctx, id, constants.StatusGenerated, constants.StatusPosting))
	require.NoError(t, s.CompareAndSwapStatus(ctx, id, constants.StatusPosting, constants.StatusPosted))
	require.NoError(t, s.ArchiveRow(ctx, id))

	// Gone from the active sheet.
	_, err = s.GetRow(ctx, id)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = s.ReadActiveRow(ctx)
	assert.ErrorIs(t, err, common.ErrNotFound)

	// Present on the archive sheet with its content and terminal status.
	rows, err := s.f.GetRows("Archive")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	arch := rows[1]
	assert.Equal(t, id.String(), arch[0])
	assert.Equal(t, "shipped topic", arch[1])
	assert.Equal(t, "the published post", arch[2])
	assert.Equal(t, string(constants.StatusArchived), arch[3])
}

func TestXLSXSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "posts.xlsx")

	s, err := OpenXLSX(path, "Posts", "Archive", nil)
	require.NoError(t, err)
	id, err := s.InsertTopic(ctx, "persisted topic", nil)
	require.NoError(t, err)
	_, err = s.IncrementAttempt(ctx, id, constants.PhaseGenerate)
	require.NoError(t, err)
	require.NoError(t, s.CompareAndSwapStatus(ctx, id, constants.StatusPending, constants.StatusGenerating))
	require.NoError(t, s.Close())

	s2, err := OpenXLSX(path, "Posts", "Archive", nil)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	p, err := s2.GetRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "persisted topic", p.Topic)
	assert.Equal(t, constants.StatusGenerating, p.Status)
	assert.Equal(t, 1, p.Attempts(constants.PhaseGenerate), "attempt counter survives restart")
}
