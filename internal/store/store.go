// Package store defines the durable chat records (messages and reports) and
// the Store interface the chat core persists them through. Two
// implementations exist: an in-memory store used in development and tests,
// and the PostgreSQL store in the postgres subpackage.
package store

import (
	"context"
	"time"
)

// ReportStatus is the lifecycle state of a report. PENDING is the only
// non-terminal state.
type ReportStatus string

const (
	StatusPending  ReportStatus = "PENDING"
	StatusResolved ReportStatus = "RESOLVED"
	StatusRejected ReportStatus = "REJECTED"
)

// Valid reports whether s is one of the known statuses.
func (s ReportStatus) Valid() bool {
	switch s {
	case StatusPending, StatusResolved, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s ReportStatus) Terminal() bool {
	return s == StatusResolved || s == StatusRejected
}

// Message is a persisted chat message.
type Message struct {
	ID                int64     `json:"id"`
	Region            string    `json:"region"`
	AuthorUserID      int64     `json:"authorUserId"`
	AuthorDisplayName string    `json:"authorDisplayName"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`
	Hidden            bool      `json:"isHidden"`
}

// NewMessage carries the fields needed to append a message.
type NewMessage struct {
	Region            string
	AuthorUserID      int64
	AuthorDisplayName string
	Content           string
}

// Report is a persisted complaint against a message.
type Report struct {
	ID               int64        `json:"id"`
	MessageID        int64        `json:"messageId"`
	ReporterUserID   int64        `json:"reporterUserId"`
	ReporterName     string       `json:"reporterName"`
	Reason           string       `json:"reason"`
	Description      string       `json:"description,omitempty"`
	Status           ReportStatus `json:"status"`
	ReportedAt       time.Time    `json:"reportedAt"`
	ResolvedAt       *time.Time   `json:"resolvedAt,omitempty"`
	ResolvedByUserID *int64       `json:"resolvedByUserId,omitempty"`
	AdminNotes       string       `json:"adminNotes,omitempty"`
}

// ReportView is a report joined with the message it references, as shown to
// administrators.
type ReportView struct {
	Report
	MessageContent string `json:"messageContent"`
	MessageAuthor  string `json:"messageAuthor"`
	Region         string `json:"region"`
}

// ReportFilter selects reports for listing. Zero values mean "any".
type ReportFilter struct {
	Status ReportStatus
	Region string
	Page   int // zero-based
	Size   int
}

// ReportPage is one page of a report listing.
type ReportPage struct {
	Reports []ReportView `json:"reports"`
	Page    int          `json:"page"`
	Size    int          `json:"size"`
	Total   int          `json:"total"`
}

// Paging selects one zero-based page of a message listing.
type Paging struct {
	Page int
	Size int
}

// Normalize clamps paging fields to sane values.
func (p Paging) Normalize() Paging {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of rows before the page.
func (p Paging) Offset() int { return p.Page * p.Size }

// MessagePage is one page of a message listing, newest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	Size     int       `json:"size"`
	Total    int       `json:"total"`
}

// Resolution finalizes a report.
type Resolution struct {
	Status      ReportStatus
	AdminUserID int64
	AdminNotes  string
	At          time.Time
}

// RegionStats summarizes activity in one region.
type RegionStats struct {
	Region         string `json:"region"`
	MessageCount   int64  `json:"messageCount"`
	ActiveUsers    int64  `json:"activeUsers"`
	TodayMessages  int64  `json:"todayMessages"`
	PendingReports int64  `json:"pendingReports"`
}

// Store is the persistence boundary of the chat core. Implementations must
// be safe for concurrent use. Errors are *apperr.Error values: NotFound for
// missing rows, Duplicate for a repeated (message, reporter) report and
// Persistence for everything the backend itself failed at.
type Store interface {
	AppendMessage(ctx context.Context, m NewMessage) (Message, error)
	GetMessage(ctx context.Context, id int64) (Message, error)
	// RecentMessages returns up to limit non-hidden messages of region,
	// newest first.
	RecentMessages(ctx context.Context, region string, limit int) ([]Message, error)
	// MessagesPage pages through region's non-hidden messages, newest first.
	MessagesPage(ctx context.Context, region string, p Paging) (MessagePage, error)
	// UserMessages pages through everything userID posted in any region,
	// hidden messages included, newest first.
	UserMessages(ctx context.Context, userID int64, p Paging) (MessagePage, error)
	// HasRecentDuplicate reports whether userID posted content in region at
	// or after since.
	HasRecentDuplicate(ctx context.Context, userID int64, region, content string, since time.Time) (bool, error)
	// HideMessage sets the hidden flag. It returns true only for the call
	// that changed the flag.
	HideMessage(ctx context.Context, id int64) (bool, error)
	// DeleteMessage removes the message and every report on it atomically.
	DeleteMessage(ctx context.Context, id int64) error

	// SaveReport inserts a PENDING report. The (message, reporter)
	// uniqueness check is atomic with the insert.
	SaveReport(ctx context.Context, r Report) (Report, error)
	// CountReports counts PENDING and RESOLVED reports on a message.
	CountReports(ctx context.Context, messageID int64) (int, error)
	GetReport(ctx context.Context, id int64) (ReportView, error)
	ListReports(ctx context.Context, f ReportFilter) (ReportPage, error)
	// ResolveReport moves a PENDING report to a terminal status. With
	// StatusResolved the referenced message and all of its reports are
	// deleted in the same transaction. The returned view reflects the
	// report as it was finalized.
	ResolveReport(ctx context.Context, id int64, res Resolution) (ReportView, error)

	RegionStats(ctx context.Context, now time.Time) ([]RegionStats, error)
	Close() error
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps paging fields to sane values.
func (f ReportFilter) Normalize() ReportFilter {
	p := Paging{Page: f.Page, Size: f.Size}.Normalize()
	f.Page, f.Size = p.Page, p.Size
	return f
}

// StartOfDay returns local midnight of t, the "today" boundary used by
// RegionStats.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// StatsWindow is how far back RegionStats looks.
const StatsWindow = 7 * 24 * time.Hour
