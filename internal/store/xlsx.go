package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/common"
	"github.com/postpilot/postpilot/internal/entity"
)

// Active sheet columns (1-based). The archive sheet repeats these and adds
// archived_at as the last column.
const (
	colID = iota + 1
	colTopic
	colContent
	colStatus
	colFailedPhase
	colGenerateAttempts
	colPublishAttempts
	colArchiveAttempts
	colLastError
	colScheduled
	colGeneratedAt
	colPostedAt
)

const headerRow = 1

var activeHeaders = []string{
	"id", "topic", "content", "status", "failed_phase",
	"generate_attempts", "publish_attempts", "archive_attempts",
	"last_error", "scheduled", "generated_at", "posted_at",
}

const cellTimeLayout = "2006-01-02 15:04:05"

// XLSXStore is a RecordStore over a local workbook: one active sheet holding
// the working rows and one append-only archive sheet. Mutations are
// serialized with an in-process mutex and saved to disk immediately; the
// workbook is the authoritative copy, nothing is cached between calls.
//
// The mutex covers a single process only. Two processes opening the same
// workbook race on save and the CAS guarantee does not hold across them;
// deployments running more than one process must use the SQL backend.
type XLSXStore struct {
	path          string
	activeSheet   string
	archiveSheet  string
	includeFuture bool

	mu  sync.Mutex
	f   *excelize.File
	log *slog.Logger
}

// SetIncludeFuture makes ReadActiveRow return rows scheduled past now, for
// runs that queue them through a platform's native scheduler instead of
// waiting for the due date.
func (s *XLSXStore) SetIncludeFuture(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.includeFuture = v
}

// OpenXLSX opens (or creates) the workbook and makes sure both sheets exist
// with their header rows.
func OpenXLSX(path, activeSheet, archiveSheet string, logger *slog.Logger) (*XLSXStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var f *excelize.File
	if _, err := os.Stat(path); err == nil {
		f, err = excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("open workbook %s: %w", path, err)
		}
	} else {
		f = excelize.NewFile()
	}

	s := &XLSXStore{
		path:         path,
		activeSheet:  activeSheet,
		archiveSheet: archiveSheet,
		f:            f,
		log:          logger,
	}
	if err := s.ensureSheet(activeSheet, activeHeaders); err != nil {
		return nil, err
	}
	if err := s.ensureSheet(archiveSheet, append(append([]string{}, activeHeaders...), "archived_at")); err != nil {
		return nil, err
	}
	if err := s.save(); err != nil {
		return nil, err
	}
	logger.Info("workbook opened", "path", path, "active_sheet", activeSheet, "archive_sheet", archiveSheet)
	return s, nil
}

func (s *XLSXStore) ensureSheet(name string, headers []string) error {
	index, err := s.f.GetSheetIndex(name)
	if err != nil {
		return err
	}
	if index == -1 {
		if _, err := s.f.NewSheet(name); err != nil {
			return err
		}
	}
	// Write the header row only when the first header cell is empty, so an
	// existing sheet is never clobbered.
	first, err := s.f.GetCellValue(name, "A1")
	if err != nil {
		return err
	}
	if strings.TrimSpace(first) == "" {
		for i, h := range headers {
			cell, _ := excelize.CoordinatesToCellName(i+1, headerRow)
			if err := s.f.SetCellValue(name, cell, h); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *XLSXStore) save() error {
	if s.f.Path == "" {
		return s.f.SaveAs(s.path)
	}
	return s.f.Save()
}

func (s *XLSXStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// ReadActiveRow scans the active sheet top to bottom and returns the first
// row that still has work: status not ARCHIVED and not scheduled for a
// future date. Rows carrying no ID yet get one assigned and written back.
func (s *XLSXStore) ReadActiveRow(ctx context.Context) (*entity.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.f.GetRows(s.activeSheet)
	if err != nil {
		return nil, fmt.Errorf("read active sheet: %w", err)
	}
	now := time.Now()
	for rowNum := headerRow + 1; rowNum <= len(rows); rowNum++ {
		p, err := s.parseRow(rows[rowNum-1], rowNum)
		if err != nil {
			s.log.Warn("skipping unparsable row", "row", rowNum, "error", err)
			continue
		}
		if p.Topic == "" || p.Status.Terminal() {
			continue
		}
		if !s.includeFuture && p.ScheduledFor != nil && p.ScheduledFor.After(now) {
			continue
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
			cell, _ := excelize.CoordinatesToCellName(colID, rowNum)
			if err := s.f.SetCellValue(s.activeSheet, cell, p.ID.String()); err != nil {
				return nil, err
			}
			if err := s.save(); err != nil {
				return nil, err
			}
		}
		s.log.Debug("active row selected", "row", rowNum, "row_id", p.ID, "status", p.Status)
		return p, nil
	}
	return nil, common.NewAppError("NO_ACTIVE_ROW", "no row with pending work", common.ErrNotFound)
}

// InsertTopic appends a new pending row to the active sheet.
func (s *XLSXStore) InsertTopic(ctx context.Context, topic string, scheduledFor *time.Time) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	if strings.TrimSpace(topic) == "" {
		return uuid.Nil, common.NewAppError("EMPTY_TOPIC", "topic is empty", common.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.f.GetRows(s.activeSheet)
	if err != nil {
		return uuid.Nil, fmt.Errorf("read active sheet: %w", err)
	}
	id := uuid.New()
	record := []any{
		id.String(), topic, "", string(constants.StatusPending), "",
		0, 0, 0, "", formatScheduled(scheduledFor), "", "",
	}
	dest := len(rows) + 1
	for i, v := range record {
		cell, _ := excelize.CoordinatesToCellName(i+1, dest)
		if err := s.f.SetCellValue(s.activeSheet, cell, v); err != nil {
			return uuid.Nil, err
		}
	}
	if err := s.save(); err != nil {
		return uuid.Nil, err
	}
	s.log.Info("topic row added", "row_id", id, "row", dest)
	return id, nil
}

func (s *XLSXStore) GetRow(ctx context.Context, rowID uuid.UUID) (*entity.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, p, err := s.findRow(rowID)
	return p, err
}

// findRow locates a row by ID. Callers hold the mutex.
func (s *XLSXStore) findRow(rowID uuid.UUID) (int, *entity.Post, error) {
	rows, err := s.f.GetRows(s.activeSheet)
	if err != nil {
		return 0, nil, fmt.Errorf("read active sheet: %w", err)
	}
	for rowNum := headerRow + 1; rowNum <= len(rows); rowNum++ {
		vals := rows[rowNum-1]
		if cellAt(vals, colID) != rowID.String() {
			continue
		}
		p, err := s.parseRow(vals, rowNum)
		if err != nil {
			return 0, nil, err
		}
		return rowNum, p, nil
	}
	return 0, nil, common.NewAppError("ROW_NOT_FOUND", "row "+rowID.String()+" not in active sheet", common.ErrNotFound)
}

func (s *XLSXStore) parseRow(vals []string, rowNum int) (*entity.Post, error) {
	status, ok := constants.ParseStatus(cellAt(vals, colStatus))
	if !ok {
		return nil, fmt.Errorf("row %d: unknown status %q", rowNum, cellAt(vals, colStatus))
	}
	p := &entity.Post{
		RowNum:    rowNum,
		Topic:     strings.TrimSpace(cellAt(vals, colTopic)),
		Content:   cellAt(vals, colContent),
		Status:    status,
		LastError: cellAt(vals, colLastError),
		AttemptCounts: map[constants.Phase]int{
			constants.PhaseGenerate: cellAsInt(vals, colGenerateAttempts),
			constants.PhasePublish:  cellAsInt(vals, colPublishAttempts),
			constants.PhaseArchive:  cellAsInt(vals, colArchiveAttempts),
		},
	}
	if raw := cellAt(vals, colID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: bad id %q: %w", rowNum, raw, err)
		}
		p.ID = id
	}
	if raw := cellAt(vals, colFailedPhase); raw != "" {
		p.FailedPhase = constants.Phase(raw)
	}
	if raw := cellAt(vals, colScheduled); raw != "" {
		t, err := parseScheduled(raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", rowNum, err)
		}
		p.ScheduledFor = &t
	}
	if t, ok := cellAsTime(vals, colGeneratedAt); ok {
		p.GeneratedAt = &t
	}
	if t, ok := cellAsTime(vals, colPostedAt); ok {
		p.PostedAt = &t
	}
	return p, nil
}

func (s *XLSXStore) WriteFields(ctx context.Context, rowID uuid.UUID, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rowNum, _, err := s.findRow(rowID)
	if err != nil {
		return err
	}
	set := func(col int, v any) error {
		cell, _ := excelize.CoordinatesToCellName(col, rowNum)
		return s.f.SetCellValue(s.activeSheet, cell, v)
	}
	if fields.Content != nil {
		if err := set(colContent, *fields.Content); err != nil {
			return err
		}
	}
	if fields.LastError != nil {
		if err := set(colLastError, *fields.LastError); err != nil {
			return err
		}
	}
	if fields.FailedPhase != nil {
		if err := set(colFailedPhase, string(*fields.FailedPhase)); err != nil {
			return err
		}
	}
	if fields.GeneratedAt != nil {
		if err := set(colGeneratedAt, fields.GeneratedAt.Format(cellTimeLayout)); err != nil {
			return err
		}
	}
	if fields.PostedAt != nil {
		if err := set(colPostedAt, fields.PostedAt.Format(cellTimeLayout)); err != nil {
			return err
		}
	}
	if err := s.save(); err != nil {
		return err
	}
	// Read content back from the saved file on disk and compare, so a
	// silent truncation anywhere between the cell set and the save never
	// goes unnoticed.
	if fields.Content != nil {
		saved, err := excelize.OpenFile(s.path)
		if err != nil {
			return common.NewAppError("READBACK_FAILED", "reopening saved workbook: "+err.Error(), common.ErrTransient)
		}
		cell, _ := excelize.CoordinatesToCellName(colContent, rowNum)
		got, err := saved.GetCellValue(s.activeSheet, cell)
		closeErr := saved.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			s.log.Warn("closing read-back workbook failed", "error", closeErr)
		}
		if got != *fields.Content {
			return common.NewAppError("READBACK_MISMATCH", "persisted content differs from written value", common.ErrTransient)
		}
	}
	s.log.Debug("row fields written", "row_id", rowID, "row", rowNum)
	return nil
}

func (s *XLSXStore) CompareAndSwapStatus(ctx context.Context, rowID uuid.UUID, expected, next constants.PostStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rowNum, p, err := s.findRow(rowID)
	if err != nil {
		return err
	}
	if p.Status != expected {
		return common.NewAppError("STATUS_CONFLICT",
			fmt.Sprintf("row %s is %s, expected %s", rowID, p.Status, expected),
			common.ErrConflict)
	}
	cell, _ := excelize.CoordinatesToCellName(colStatus, rowNum)
	if err := s.f.SetCellValue(s.activeSheet, cell, string(next)); err != nil {
		return err
	}
	if err := s.save(); err != nil {
		return err
	}
	s.log.Info("status swapped", "row_id", rowID, "from", expected, "to", next)
	return nil
}

func (s *XLSXStore) IncrementAttempt(ctx context.Context, rowID uuid.UUID, phase constants.Phase) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rowNum, p, err := s.findRow(rowID)
	if err != nil {
		return 0, err
	}
	n := p.Attempts(phase) + 1
	cell, _ := excelize.CoordinatesToCellName(attemptCol(phase), rowNum)
	if err := s.f.SetCellValue(s.activeSheet, cell, n); err != nil {
		return 0, err
	}
	if err := s.save(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *XLSXStore) ResetAttempts(ctx context.Context, rowID uuid.UUID, phase constants.Phase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rowNum, _, err := s.findRow(rowID)
	if err != nil {
		return err
	}
	cell, _ := excelize.CoordinatesToCellName(attemptCol(phase), rowNum)
	if err := s.f.SetCellValue(s.activeSheet, cell, 0); err != nil {
		return err
	}
	return s.save()
}

func (s *XLSXStore) ClearContent(ctx context.Context, rowID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rowNum, _, err := s.findRow(rowID)
	if err != nil {
		return err
	}
	for _, col := range []int{colContent, colGeneratedAt} {
		cell, _ := excelize.CoordinatesToCellName(col, rowNum)
		if err := s.f.SetCellValue(s.activeSheet, cell, ""); err != nil {
			return err
		}
	}
	return s.save()
}

// ArchiveRow appends the full row to the archive sheet with status ARCHIVED
// and removes it from the active sheet. The archive copy is immutable
// history; nothing ever updates it.
func (s *XLSXStore) ArchiveRow(ctx context.Context, rowID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rowNum, p, err := s.findRow(rowID)
	if err != nil {
		return err
	}
	if p.Status != constants.StatusPosted && p.Status != constants.StatusArchiving {
		return common.NewAppError("ARCHIVE_PRECONDITION",
			fmt.Sprintf("row %s is %s, archive requires POSTED or ARCHIVING", rowID, p.Status),
			common.ErrPermanent)
	}

	archRows, err := s.f.GetRows(s.archiveSheet)
	if err != nil {
		return fmt.Errorf("read archive sheet: %w", err)
	}
	dest := len(archRows) + 1
	record := []any{
		p.ID.String(), p.Topic, p.Content, string(constants.StatusArchived), "",
		0, 0, 0, "", formatScheduled(p.ScheduledFor),
		formatTime(p.GeneratedAt), formatTime(p.PostedAt),
		time.Now().Format(cellTimeLayout),
	}
	for i, v := range record {
		cell, _ := excelize.CoordinatesToCellName(i+1, dest)
		if err := s.f.SetCellValue(s.archiveSheet, cell, v); err != nil {
			return err
		}
	}
	if err := s.f.RemoveRow(s.activeSheet, rowNum); err != nil {
		return fmt.Errorf("remove active row %d: %w", rowNum, err)
	}
	if err := s.save(); err != nil {
		return err
	}
	s.log.Info("row archived", "row_id", rowID, "archive_row", dest)
	return nil
}

func attemptCol(phase constants.Phase) int {
	switch phase {
	case constants.PhaseGenerate:
		return colGenerateAttempts
	case constants.PhasePublish:
		return colPublishAttempts
	default:
		return colArchiveAttempts
	}
}

func cellAt(vals []string, col int) string {
	if col <= len(vals) {
		return strings.TrimSpace(vals[col-1])
	}
	return ""
}

func cellAsInt(vals []string, col int) int {
	raw := cellAt(vals, col)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func cellAsTime(vals []string, col int) (time.Time, bool) {
	raw := cellAt(vals, col)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(cellTimeLayout, raw, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseScheduled accepts DD/MM/YYYY (the legacy sheet format) and
// YYYY-MM-DD.
func parseScheduled(raw string) (time.Time, error) {
	for _, layout := range []string{"02/01/2006", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("invalid scheduled date " + strconv.Quote(raw) + ", expected DD/MM/YYYY")
}

func formatScheduled(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("02/01/2006")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(cellTimeLayout)
}
