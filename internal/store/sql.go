package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/postpilot/postpilot/constants"
	"github.com/postpilot/postpilot/internal/common"
	"github.com/postpilot/postpilot/internal/entity"
)

// Dialect selects placeholder style for the SQL store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS posts (
	id                TEXT PRIMARY KEY,
	topic             TEXT NOT NULL,
	content           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'PENDING',
	failed_phase      TEXT NOT NULL DEFAULT '',
	generate_attempts INTEGER NOT NULL DEFAULT 0,
	publish_attempts  INTEGER NOT NULL DEFAULT 0,
	archive_attempts  INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	scheduled_for     TEXT NOT NULL DEFAULT '',
	generated_at      TEXT NOT NULL DEFAULT '',
	posted_at         TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS posts_archive (
	id                TEXT PRIMARY KEY,
	topic             TEXT NOT NULL,
	content           TEXT NOT NULL,
	status            TEXT NOT NULL,
	scheduled_for     TEXT NOT NULL DEFAULT '',
	generated_at      TEXT NOT NULL DEFAULT '',
	posted_at         TEXT NOT NULL DEFAULT '',
	archived_at       TEXT NOT NULL
);`

// SQLStore is a RecordStore over database/sql. It runs against SQLite
// (modernc driver) for local use and Postgres (pgx stdlib driver) when a
// shared store is needed; the CAS then rides on the database's own row
// atomicity instead of a process mutex.
type SQLStore struct {
	db            *sql.DB
	dialect       Dialect
	includeFuture bool
	log           *slog.Logger
}

// SetIncludeFuture makes ReadActiveRow return rows scheduled past now, for
// runs that queue them through a platform's native scheduler instead of
// waiting for the due date.
func (s *SQLStore) SetIncludeFuture(v bool) {
	s.includeFuture = v
}

func NewSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: dialect, log: logger}
}

// Migrate creates the posts tables when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate posts schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const postColumns = `id, topic, content, status, failed_phase,
	generate_attempts, publish_attempts, archive_attempts,
	last_error, scheduled_for, generated_at, posted_at`

func (s *SQLStore) ReadActiveRow(ctx context.Context) (*entity.Post, error) {
	q := `SELECT ` + postColumns + ` FROM posts WHERE status <> 'ARCHIVED'`
	var args []any
	if !s.includeFuture {
		q += ` AND (scheduled_for = '' OR scheduled_for <= ?)`
		args = append(args, time.Now().Format(time.RFC3339))
	}
	q += ` ORDER BY created_at, id LIMIT 1`
	row := s.db.QueryRowContext(ctx, s.rebind(q), args...)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, common.NewAppError("NO_ACTIVE_ROW", "no row with pending work", common.ErrNotFound)
	}
	return p, err
}

func (s *SQLStore) GetRow(ctx context.Context, rowID uuid.UUID) (*entity.Post, error) {
	q := s.rebind(`SELECT ` + postColumns + ` FROM posts WHERE id = ?`)
	p, err := scanPost(s.db.QueryRowContext(ctx, q, rowID.String()))
	if err == sql.ErrNoRows {
		return nil, common.NewAppError("ROW_NOT_FOUND", "row "+rowID.String()+" not found", common.ErrNotFound)
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (*entity.Post, error) {
	var (
		id, topic, content, status, failedPhase string
		genN, pubN, arcN                        int
		lastError, scheduled, genAt, postAt     string
	)
	if err := r.Scan(&id, &topic, &content, &status, &failedPhase,
		&genN, &pubN, &arcN, &lastError, &scheduled, &genAt, &postAt); err != nil {
		return nil, err
	}
	rowID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("bad row id %q: %w", id, err)
	}
	st, ok := constants.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("row %s: unknown status %q", id, status)
	}
	p := &entity.Post{
		ID:        rowID,
		Topic:     topic,
		Content:   content,
		Status:    st,
		LastError: lastError,
		AttemptCounts: map[constants.Phase]int{
			constants.PhaseGenerate: genN,
			constants.PhasePublish:  pubN,
			constants.PhaseArchive:  arcN,
		},
	}
	if failedPhase != "" {
		p.FailedPhase = constants.Phase(failedPhase)
	}
	p.ScheduledFor = parseRFC3339(scheduled)
	p.GeneratedAt = parseRFC3339(genAt)
	p.PostedAt = parseRFC3339(postAt)
	return p, nil
}

func parseRFC3339(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// InsertTopic appends a new pending row; intake helper used by the CLI and
// tests, not part of the orchestrator's contract.
func (s *SQLStore) InsertTopic(ctx context.Context, topic string, scheduledFor *time.Time) (uuid.UUID, error) {
	id := uuid.New()
	sched := ""
	if scheduledFor != nil {
		sched = scheduledFor.Format(time.RFC3339)
	}
	q := s.rebind(`INSERT INTO posts (id, topic, status, scheduled_for, created_at) VALUES (?, ?, 'PENDING', ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, id.String(), topic, sched, time.Now().Format(time.RFC3339Nano)); err != nil {
		return uuid.Nil, fmt.Errorf("insert topic: %w", err)
	}
	return id, nil
}

func (s *SQLStore) WriteFields(ctx context.Context, rowID uuid.UUID, fields Fields) error {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if fields.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *fields.Content)
	}
	if fields.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *fields.LastError)
	}
	if fields.FailedPhase != nil {
		sets = append(sets, "failed_phase = ?")
		args = append(args, string(*fields.FailedPhase))
	}
	if fields.GeneratedAt != nil {
		sets = append(sets, "generated_at = ?")
		args = append(args, fields.GeneratedAt.Format(time.RFC3339))
	}
	if fields.PostedAt != nil {
		sets = append(sets, "posted_at = ?")
		args = append(args, fields.PostedAt.Format(time.RFC3339))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, rowID.String())
	q := s.rebind("UPDATE posts SET " + strings.Join(sets, ", ") + " WHERE id = ?")
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("write fields: %w", err)
	}
	return s.requireRow(res, rowID)
}

func (s *SQLStore) CompareAndSwapStatus(ctx context.Context, rowID uuid.UUID, expected, next constants.PostStatus) error {
	q := s.rebind(`UPDATE posts SET status = ? WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, q, string(next), rowID.String(), string(expected))
	if err != nil {
		return fmt.Errorf("cas status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		s.log.Info("status swapped", "row_id", rowID, "from", expected, "to", next)
		return nil
	}
	// Zero rows: either the row is gone or another process moved it first.
	if _, err := s.GetRow(ctx, rowID); err != nil {
		return err
	}
	return common.NewAppError("STATUS_CONFLICT",
		fmt.Sprintf("row %s no longer at status %s", rowID, expected),
		common.ErrConflict)
}

func (s *SQLStore) IncrementAttempt(ctx context.Context, rowID uuid.UUID, phase constants.Phase) (int, error) {
	col := attemptColumn(phase)
	q := s.rebind("UPDATE posts SET " + col + " = " + col + " + 1 WHERE id = ?")
	res, err := s.db.ExecContext(ctx, q, rowID.String())
	if err != nil {
		return 0, fmt.Errorf("increment attempt: %w", err)
	}
	if err := s.requireRow(res, rowID); err != nil {
		return 0, err
	}
	var n int
	q = s.rebind("SELECT " + col + " FROM posts WHERE id = ?")
	if err := s.db.QueryRowContext(ctx, q, rowID.String()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) ResetAttempts(ctx context.Context, rowID uuid.UUID, phase constants.Phase) error {
	q := s.rebind("UPDATE posts SET " + attemptColumn(phase) + " = 0 WHERE id = ?")
	res, err := s.db.ExecContext(ctx, q, rowID.String())
	if err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return s.requireRow(res, rowID)
}

func (s *SQLStore) ClearContent(ctx context.Context, rowID uuid.UUID) error {
	q := s.rebind(`UPDATE posts SET content = '', generated_at = '' WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, rowID.String())
	if err != nil {
		return fmt.Errorf("clear content: %w", err)
	}
	return s.requireRow(res, rowID)
}

// ArchiveRow moves the row into posts_archive inside one transaction.
func (s *SQLStore) ArchiveRow(ctx context.Context, rowID uuid.UUID) error {
	p, err := s.GetRow(ctx, rowID)
	if err != nil {
		return err
	}
	if p.Status != constants.StatusPosted && p.Status != constants.StatusArchiving {
		return common.NewAppError("ARCHIVE_PRECONDITION",
			fmt.Sprintf("row %s is %s, archive requires POSTED or ARCHIVING", rowID, p.Status),
			common.ErrPermanent)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := s.rebind(`INSERT INTO posts_archive
		(id, topic, content, status, scheduled_for, generated_at, posted_at, archived_at)
		VALUES (?, ?, ?, 'ARCHIVED', ?, ?, ?, ?)`)
	sched := ""
	if p.ScheduledFor != nil {
		sched = p.ScheduledFor.Format(time.RFC3339)
	}
	if _, err := tx.ExecContext(ctx, insert, p.ID.String(), p.Topic, p.Content,
		sched, formatRFC3339(p.GeneratedAt), formatRFC3339(p.PostedAt),
		time.Now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("insert archive row: %w", err)
	}
	del := s.rebind(`DELETE FROM posts WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, del, p.ID.String()); err != nil {
		return fmt.Errorf("delete active row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	s.log.Info("row archived", "row_id", rowID)
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) requireRow(res sql.Result, rowID uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.NewAppError("ROW_NOT_FOUND", "row "+rowID.String()+" not found", common.ErrNotFound)
	}
	return nil
}

func attemptColumn(phase constants.Phase) string {
	switch phase {
	case constants.PhaseGenerate:
		return "generate_attempts"
	case constants.PhasePublish:
		return "publish_attempts"
	default:
		return "archive_attempts"
	}
}

func formatRFC3339(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
