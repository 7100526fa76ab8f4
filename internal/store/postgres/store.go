// Package postgres provides the PostgreSQL-backed store.Store. The schema is
// managed with golang-migrate from migrations embedded in the binary.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/store"
)

// PostgreSQL error codes mapped onto the store error taxonomy.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool settings suitable for a single chat node.
func DefaultConfig() Config {
	return Config{
		DSN:             "postgres://localhost:5432/regionchat?sslmode=disable",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Store manages chat messages and reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) AppendMessage(ctx context.Context, m store.NewMessage) (store.Message, error) {
	const query = `
		INSERT INTO chat_messages (region, author_user_id, author_display_name, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	msg := store.Message{
		Region:            m.Region,
		AuthorUserID:      m.AuthorUserID,
		AuthorDisplayName: m.AuthorDisplayName,
		Content:           m.Content,
	}
	err := s.db.QueryRowContext(ctx, query, m.Region, m.AuthorUserID, m.AuthorDisplayName, m.Content).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return store.Message{}, apperr.Persistence("failed to save message", err)
	}
	return msg, nil
}

const messageColumns = `id, region, author_user_id, author_display_name, content, created_at, is_hidden`

func scanMessage(row interface{ Scan(...any) error }) (store.Message, error) {
	var m store.Message
	err := row.Scan(&m.ID, &m.Region, &m.AuthorUserID, &m.AuthorDisplayName, &m.Content, &m.CreatedAt, &m.Hidden)
	return m, err
}

func (s *Store) GetMessage(ctx context.Context, id int64) (store.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, apperr.NotFound("message not found")
	}
	if err != nil {
		return store.Message{}, apperr.Persistence("failed to load message", err)
	}
	return m, nil
}

func (s *Store) RecentMessages(ctx context.Context, region string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		return []store.Message{}, nil
	}
	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE region = $1 AND NOT is_hidden
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, region, limit)
	if err != nil {
		return nil, apperr.Persistence("failed to load messages", err)
	}
	defer rows.Close()

	out := make([]store.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Persistence("failed to load messages", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("failed to load messages", err)
	}
	return out, nil
}

func (s *Store) MessagesPage(ctx context.Context, region string, p store.Paging) (store.MessagePage, error) {
	return s.messagePage(ctx, p, `region = $1 AND NOT is_hidden`, region)
}

func (s *Store) UserMessages(ctx context.Context, userID int64, p store.Paging) (store.MessagePage, error) {
	return s.messagePage(ctx, p, `author_user_id = $1`, userID)
}

// messagePage lists chat_messages matching where, which binds $1 to arg.
func (s *Store) messagePage(ctx context.Context, p store.Paging, where string, arg any) (store.MessagePage, error) {
	p = p.Normalize()
	page := store.MessagePage{Page: p.Page, Size: p.Size, Messages: []store.Message{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE `+where, arg).Scan(&page.Total); err != nil {
		return store.MessagePage{}, apperr.Persistence("failed to list messages", err)
	}

	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE ` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, query, arg, p.Size, p.Offset())
	if err != nil {
		return store.MessagePage{}, apperr.Persistence("failed to list messages", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return store.MessagePage{}, apperr.Persistence("failed to list messages", err)
		}
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return store.MessagePage{}, apperr.Persistence("failed to list messages", err)
	}
	return page, nil
}

func (s *Store) HasRecentDuplicate(ctx context.Context, userID int64, region, content string, since time.Time) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM chat_messages
			WHERE author_user_id = $1 AND region = $2 AND content = $3 AND created_at >= $4
		)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, userID, region, content, since).Scan(&exists); err != nil {
		return false, apperr.Persistence("failed to check duplicates", err)
	}
	return exists, nil
}

func (s *Store) HideMessage(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET is_hidden = TRUE WHERE id = $1 AND NOT is_hidden`, id)
	if err != nil {
		return false, apperr.Persistence("failed to hide message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Persistence("failed to hide message", err)
	}
	if n == 1 {
		return true, nil
	}
	// Either already hidden or missing.
	if _, err := s.GetMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	return s.inTx(ctx, "failed to delete message", func(tx *sql.Tx) error {
		if err := deleteReports(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return apperr.NotFound("message not found")
		}
		return nil
	})
}

func deleteReports(ctx context.Context, tx *sql.Tx, messageID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM chat_reports WHERE message_id = $1`, messageID)
	return err
}

func (s *Store) SaveReport(ctx context.Context, r store.Report) (store.Report, error) {
	const query = `
		INSERT INTO chat_reports (message_id, reporter_user_id, reporter_name, reason, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, status, reported_at`

	var status string
	err := s.db.QueryRowContext(ctx, query, r.MessageID, r.ReporterUserID, r.ReporterName, r.Reason, r.Description).
		Scan(&r.ID, &status, &r.ReportedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch string(pqErr.Code) {
			case codeUniqueViolation:
				return store.Report{}, apperr.Duplicate("message already reported")
			case codeForeignKeyViolation:
				return store.Report{}, apperr.NotFound("message not found")
			}
		}
		return store.Report{}, apperr.Persistence("failed to save report", err)
	}
	r.Status = store.ReportStatus(status)
	r.ResolvedAt = nil
	r.ResolvedByUserID = nil
	r.AdminNotes = ""
	return r, nil
}

func (s *Store) CountReports(ctx context.Context, messageID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM chat_reports WHERE message_id = $1 AND status <> 'REJECTED'`

	var n int
	if err := s.db.QueryRowContext(ctx, query, messageID).Scan(&n); err != nil {
		return 0, apperr.Persistence("failed to count reports", err)
	}
	return n, nil
}

const reportViewSelect = `
	SELECT r.id, r.message_id, r.reporter_user_id, r.reporter_name, r.reason, r.description,
	       r.status, r.reported_at, r.resolved_at, r.resolved_by_user_id, r.admin_notes,
	       COALESCE(m.content, ''), COALESCE(m.author_display_name, ''), COALESCE(m.region, '')
	FROM chat_reports r
	LEFT JOIN chat_messages m ON m.id = r.message_id`

func scanReportView(row interface{ Scan(...any) error }) (store.ReportView, error) {
	var (
		v          store.ReportView
		status     string
		resolvedAt sql.NullTime
		resolvedBy sql.NullInt64
	)
	err := row.Scan(&v.ID, &v.MessageID, &v.ReporterUserID, &v.ReporterName, &v.Reason, &v.Description,
		&status, &v.ReportedAt, &resolvedAt, &resolvedBy, &v.AdminNotes,
		&v.MessageContent, &v.MessageAuthor, &v.Region)
	if err != nil {
		return store.ReportView{}, err
	}
	v.Status = store.ReportStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		v.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		id := resolvedBy.Int64
		v.ResolvedByUserID = &id
	}
	return v, nil
}

func (s *Store) GetReport(ctx context.Context, id int64) (store.ReportView, error) {
	v, err := scanReportView(s.db.QueryRowContext(ctx, reportViewSelect+` WHERE r.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return store.ReportView{}, apperr.NotFound("report not found")
	}
	if err != nil {
		return store.ReportView{}, apperr.Persistence("failed to load report", err)
	}
	return v, nil
}

func (s *Store) ListReports(ctx context.Context, f store.ReportFilter) (store.ReportPage, error) {
	f = f.Normalize()

	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("r.status = $%d", len(args)))
	}
	if f.Region != "" {
		args = append(args, f.Region)
		conds = append(conds, fmt.Sprintf("m.region = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	page := store.ReportPage{Page: f.Page, Size: f.Size, Reports: []store.ReportView{}}

	countQuery := `SELECT COUNT(*) FROM chat_reports r LEFT JOIN chat_messages m ON m.id = r.message_id` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&page.Total); err != nil {
		return store.ReportPage{}, apperr.Persistence("failed to list reports", err)
	}

	args = append(args, f.Size, f.Page*f.Size)
	query := reportViewSelect + where +
		fmt.Sprintf(" ORDER BY r.reported_at DESC, r.id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return store.ReportPage{}, apperr.Persistence("failed to list reports", err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanReportView(rows)
		if err != nil {
			return store.ReportPage{}, apperr.Persistence("failed to list reports", err)
		}
		page.Reports = append(page.Reports, v)
	}
	if err := rows.Err(); err != nil {
		return store.ReportPage{}, apperr.Persistence("failed to list reports", err)
	}
	return page, nil
}

func (s *Store) ResolveReport(ctx context.Context, id int64, res store.Resolution) (store.ReportView, error) {
	var view store.ReportView
	err := s.inTx(ctx, "failed to resolve report", func(tx *sql.Tx) error {
		v, err := scanReportView(tx.QueryRowContext(ctx, reportViewSelect+` WHERE r.id = $1 FOR UPDATE OF r`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("report not found")
		}
		if err != nil {
			return err
		}
		if v.Status.Terminal() {
			return apperr.Duplicate("report already %s", v.Status)
		}

		const update = `
			UPDATE chat_reports
			SET status = $2, resolved_at = $3, resolved_by_user_id = $4, admin_notes = $5
			WHERE id = $1`
		if _, err := tx.ExecContext(ctx, update, id, string(res.Status), res.At, res.AdminUserID, res.AdminNotes); err != nil {
			return err
		}

		at := res.At
		admin := res.AdminUserID
		v.Status = res.Status
		v.ResolvedAt = &at
		v.ResolvedByUserID = &admin
		v.AdminNotes = res.AdminNotes

		if res.Status == store.StatusResolved {
			if err := deleteReports(ctx, tx, v.MessageID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = $1`, v.MessageID); err != nil {
				return err
			}
		}
		view = v
		return nil
	})
	if err != nil {
		return store.ReportView{}, err
	}
	return view, nil
}

func (s *Store) RegionStats(ctx context.Context, now time.Time) ([]store.RegionStats, error) {
	today := store.StartOfDay(now)
	weekAgo := today.Add(-store.StatsWindow)

	const msgQuery = `
		SELECT region,
		       COUNT(*),
		       COUNT(DISTINCT author_user_id),
		       COUNT(*) FILTER (WHERE created_at >= $2)
		FROM chat_messages
		WHERE NOT is_hidden AND created_at >= $1
		GROUP BY region`

	byRegion := make(map[string]*store.RegionStats)
	get := func(region string) *store.RegionStats {
		rs, ok := byRegion[region]
		if !ok {
			rs = &store.RegionStats{Region: region}
			byRegion[region] = rs
		}
		return rs
	}

	rows, err := s.db.QueryContext(ctx, msgQuery, weekAgo, today)
	if err != nil {
		return nil, apperr.Persistence("failed to load region stats", err)
	}
	for rows.Next() {
		var rs store.RegionStats
		if err := rows.Scan(&rs.Region, &rs.MessageCount, &rs.ActiveUsers, &rs.TodayMessages); err != nil {
			rows.Close()
			return nil, apperr.Persistence("failed to load region stats", err)
		}
		*get(rs.Region) = rs
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("failed to load region stats", err)
	}

	const pendingQuery = `
		SELECT m.region, COUNT(*)
		FROM chat_reports r
		JOIN chat_messages m ON m.id = r.message_id
		WHERE r.status = 'PENDING'
		GROUP BY m.region`

	rows, err = s.db.QueryContext(ctx, pendingQuery)
	if err != nil {
		return nil, apperr.Persistence("failed to load region stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			region string
			n      int64
		)
		if err := rows.Scan(&region, &n); err != nil {
			return nil, apperr.Persistence("failed to load region stats", err)
		}
		get(region).PendingReports = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("failed to load region stats", err)
	}

	out := make([]store.RegionStats, 0, len(byRegion))
	for _, rs := range byRegion {
		out = append(out, *rs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageCount == out[j].MessageCount {
			return out[i].Region < out[j].Region
		}
		return out[i].MessageCount > out[j].MessageCount
	})
	return out, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction. Classified errors from fn pass through;
// anything else becomes a Persistence error with msg.
func (s *Store) inTx(ctx context.Context, msg string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence(msg, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperr.Persistence(msg, err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Persistence(msg, err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
