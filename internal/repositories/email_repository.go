package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alimgiray/repomailer/internal/models"
	"github.com/mattn/go-sqlite3"
)

const emailColumns = `id, email, name, username, repository, collected_at`

// EmailRepository is the SQLite-backed EmailStore
type EmailRepository struct {
	db *sql.DB
}

func NewEmailRepository(db *sql.DB) *EmailRepository {
	return &EmailRepository{db: db}
}

// InsertIfAbsent creates the record unless its (email, repository) pair exists
func (r *EmailRepository) InsertIfAbsent(ctx context.Context, rec *models.EmailRecord) (bool, error) {
	query := `INSERT INTO emails (` + emailColumns + `) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, rec.ID, rec.Email, rec.Name, rec.Username, rec.Repository, rec.CollectedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert email %s: %w", rec.Email, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetByID retrieves a record with its send history
func (r *EmailRepository) GetByID(ctx context.Context, id string) (*models.EmailRecord, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = ?`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrEmailNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.attachSendEvents(ctx, []*models.EmailRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns one page of records matching filter and the total match count
func (r *EmailRepository) List(ctx context.Context, filter models.EmailFilter) ([]*models.EmailRecord, int, error) {
	where, args := buildEmailWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM emails e` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count emails: %w", err)
	}

	query := `SELECT ` + prefixed("e", emailColumns) + ` FROM emails e` + where + ` ORDER BY e.collected_at DESC, e.email ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		offset := filter.Offset
		if offset < 0 {
			offset = 0
		}
		args = append(args, filter.Limit, offset)
	}

	records, err := r.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListUnsent returns records of repository that senderEmail never delivered to
func (r *EmailRepository) ListUnsent(ctx context.Context, repository, senderEmail string, limit int) ([]*models.EmailRecord, error) {
	query := `SELECT ` + prefixed("e", emailColumns) + ` FROM emails e
		WHERE e.repository = ?
		AND NOT EXISTS (SELECT 1 FROM send_events se WHERE se.email_id = e.id AND se.sender_email = ?)
		ORDER BY e.collected_at ASC, e.email ASC
		LIMIT ?`
	return r.queryRecords(ctx, query, repository, models.SenderKey(senderEmail), limit)
}

// FindByAddress returns every record of the address across repositories
func (r *EmailRepository) FindByAddress(ctx context.Context, email string) ([]*models.EmailRecord, error) {
	query := `SELECT ` + prefixed("e", emailColumns) + ` FROM emails e WHERE e.email = ? ORDER BY e.collected_at ASC`
	return r.queryRecords(ctx, query, models.NormalizeAddress(email))
}

// AppendSendEvent records a delivery; the same (sender, time) pair is stored once
func (r *EmailRepository) AppendSendEvent(ctx context.Context, id string, ev models.SendEvent) error {
	query := `INSERT OR IGNORE INTO send_events (email_id, sender, sender_email, sent_at)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM emails WHERE id = ?)`
	res, err := r.db.ExecContext(ctx, query, id, ev.Sender, models.SenderKey(ev.SenderEmail), ev.SentAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to append send event to %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return models.ErrEmailNotFound
	}
	return nil
}

// Delete removes a record and its history
func (r *EmailRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM emails WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrEmailNotFound
	}
	return nil
}

// DeleteMany removes the given records and returns how many existed
func (r *EmailRepository) DeleteMany(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `DELETE FROM emails WHERE id IN (` + placeholders(len(ids)) + `)`
	res, err := r.db.ExecContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteByRepository removes exactly the records of repository
func (r *EmailRepository) DeleteByRepository(ctx context.Context, repository string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM emails WHERE repository = ?`, repository)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats counts all records, those collected since the given instant, and per repository
func (r *EmailRepository) Stats(ctx context.Context, since time.Time) (*models.EmailStats, error) {
	stats := &models.EmailStats{ByRepository: []models.RepositoryCount{}}

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(CASE WHEN collected_at >= ? THEN 1 END) FROM emails`, since.UTC(),
	).Scan(&stats.Total, &stats.Recent24h)
	if err != nil {
		return nil, fmt.Errorf("failed to count emails: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT repository, COUNT(*) AS cnt FROM emails GROUP BY repository ORDER BY cnt DESC, repository ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rc models.RepositoryCount
		if err := rows.Scan(&rc.Repository, &rc.Count); err != nil {
			return nil, err
		}
		stats.ByRepository = append(stats.ByRepository, rc)
	}
	return stats, rows.Err()
}

// RepositorySummary aggregates the records and send history of repository
func (r *EmailRepository) RepositorySummary(ctx context.Context, repository string) (*models.RepositorySummary, error) {
	var (
		total         int
		first, latest sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(collected_at), MAX(collected_at) FROM emails WHERE repository = ?`, repository,
	).Scan(&total, &first, &latest)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, models.ErrRepositoryNotFound
	}

	summary := &models.RepositorySummary{Repository: repository, TotalEmails: total}
	if t, ok := parseSQLiteTime(first); ok {
		summary.CollectedAt = &t
	}
	if t, ok := parseSQLiteTime(latest); ok {
		summary.LastCollectedAt = &t
	}

	rows, err := r.db.QueryContext(ctx, `SELECT se.sender, se.sender_email, se.sent_at
		FROM send_events se JOIN emails e ON e.id = se.email_id
		WHERE e.repository = ?`, repository)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sent []models.SendEvent
	for rows.Next() {
		var ev models.SendEvent
		if err := rows.Scan(&ev.Sender, &ev.SenderEmail, &ev.SentAt); err != nil {
			return nil, err
		}
		sent = append(sent, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	summary.SendHistory = groupSendHistory(sent)
	return summary, nil
}

func (r *EmailRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.EmailRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	records := make([]*models.EmailRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachSendEvents(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// attachSendEvents loads the history of all records in one query
func (r *EmailRepository) attachSendEvents(ctx context.Context, records []*models.EmailRecord) error {
	if len(records) == 0 {
		return nil
	}
	byID := make(map[string]*models.EmailRecord, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
		ids = append(ids, rec.ID)
	}

	query := `SELECT email_id, sender, sender_email, sent_at FROM send_events
		WHERE email_id IN (` + placeholders(len(ids)) + `) ORDER BY sent_at ASC`
	rows, err := r.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("failed to load send events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			emailID string
			ev      models.SendEvent
		)
		if err := rows.Scan(&emailID, &ev.Sender, &ev.SenderEmail, &ev.SentAt); err != nil {
			return err
		}
		if rec, ok := byID[emailID]; ok {
			rec.EmailSent = append(rec.EmailSent, ev)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.EmailRecord, error) {
	rec := &models.EmailRecord{EmailSent: []models.SendEvent{}}
	err := row.Scan(&rec.ID, &rec.Email, &rec.Name, &rec.Username, &rec.Repository, &rec.CollectedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func buildEmailWhere(filter models.EmailFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if s := strings.TrimSpace(filter.Search); s != "" {
		like := "%" + s + "%"
		clauses = append(clauses, `(e.email LIKE ? OR e.name LIKE ? OR e.username LIKE ? OR e.repository LIKE ?)`)
		args = append(args, like, like, like, like)
	}
	if filter.Repository != "" {
		clauses = append(clauses, `e.repository = ?`)
		args = append(args, filter.Repository)
	}
	if filter.CollectedFrom != nil {
		clauses = append(clauses, `e.collected_at >= ?`)
		args = append(args, filter.CollectedFrom.UTC())
	}
	if filter.CollectedTo != nil {
		clauses = append(clauses, `e.collected_at <= ?`)
		args = append(args, filter.CollectedTo.UTC())
	}
	switch filter.SentStatus {
	case models.SentStatusSent:
		clauses = append(clauses, `EXISTS (SELECT 1 FROM send_events se WHERE se.email_id = e.id)`)
	case models.SentStatusUnsent:
		clauses = append(clauses, `NOT EXISTS (SELECT 1 FROM send_events se WHERE se.email_id = e.id)`)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// parseSQLiteTime parses aggregate results, which SQLite returns as text
func parseSQLiteTime(v sql.NullString) (time.Time, bool) {
	if !v.Valid || v.String == "" {
		return time.Time{}, false
	}
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(layout, v.String, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
