package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/festival/regionchat/internal/apperr"
)

type reportKey struct {
	messageID  int64
	reporterID int64
}

// MemoryStore is a Store held entirely in process memory. A single mutex
// serializes every operation, which also makes the report uniqueness check
// atomic with the insert.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	nextMsg  int64
	nextRep  int64
	messages map[int64]*Message
	reports  map[int64]*Report
	byPair   map[reportKey]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		messages: make(map[int64]*Message),
		reports:  make(map[int64]*Report),
		byPair:   make(map[reportKey]int64),
	}
}

// SetClock replaces the time source used for createdAt and reportedAt.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) AppendMessage(_ context.Context, m NewMessage) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMsg++
	msg := &Message{
		ID:                s.nextMsg,
		Region:            m.Region,
		AuthorUserID:      m.AuthorUserID,
		AuthorDisplayName: m.AuthorDisplayName,
		Content:           m.Content,
		CreatedAt:         s.now(),
	}
	s.messages[msg.ID] = msg
	return *msg, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return Message{}, apperr.NotFound("message not found")
	}
	return *msg, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, region string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, 0)
	for _, msg := range s.messages {
		if msg.Region == region && !msg.Hidden {
			out = append(out, *msg)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MessagesPage(_ context.Context, region string, p Paging) (MessagePage, error) {
	return s.pageOf(p, func(m *Message) bool { return m.Region == region && !m.Hidden }), nil
}

func (s *MemoryStore) UserMessages(_ context.Context, userID int64, p Paging) (MessagePage, error) {
	return s.pageOf(p, func(m *Message) bool { return m.AuthorUserID == userID }), nil
}

func (s *MemoryStore) pageOf(p Paging, keep func(*Message) bool) MessagePage {
	p = p.Normalize()

	s.mu.RLock()
	matched := make([]Message, 0)
	for _, msg := range s.messages {
		if keep(msg) {
			matched = append(matched, *msg)
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(matched)

	page := MessagePage{Page: p.Page, Size: p.Size, Total: len(matched), Messages: []Message{}}
	if start := p.Offset(); start < len(matched) {
		page.Messages = matched[start:min(start+p.Size, len(matched))]
	}
	return page
}

func (s *MemoryStore) HasRecentDuplicate(_ context.Context, userID int64, region, content string, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages {
		if msg.AuthorUserID == userID && msg.Region == region &&
			msg.Content == content && !msg.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) HideMessage(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return false, apperr.NotFound("message not found")
	}
	if msg.Hidden {
		return false, nil
	}
	msg.Hidden = true
	return true, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return apperr.NotFound("message not found")
	}
	s.deleteReportsLocked(id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) deleteReportsLocked(messageID int64) {
	for id, r := range s.reports {
		if r.MessageID == messageID {
			delete(s.byPair, reportKey{r.MessageID, r.ReporterUserID})
			delete(s.reports, id)
		}
	}
}

func (s *MemoryStore) SaveReport(_ context.Context, r Report) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[r.MessageID]; !ok {
		return Report{}, apperr.NotFound("message not found")
	}
	key := reportKey{r.MessageID, r.ReporterUserID}
	if _, dup := s.byPair[key]; dup {
		return Report{}, apperr.Duplicate("message already reported")
	}

	s.nextRep++
	r.ID = s.nextRep
	r.Status = StatusPending
	r.ReportedAt = s.now()
	r.ResolvedAt = nil
	r.ResolvedByUserID = nil
	r.AdminNotes = ""

	stored := r
	s.reports[r.ID] = &stored
	s.byPair[key] = r.ID
	return r, nil
}

func (s *MemoryStore) CountReports(_ context.Context, messageID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.reports {
		if r.MessageID == messageID && r.Status != StatusRejected {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetReport(_ context.Context, id int64) (ReportView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[id]
	if !ok {
		return ReportView{}, apperr.NotFound("report not found")
	}
	return s.viewLocked(r), nil
}

func (s *MemoryStore) ListReports(_ context.Context, f ReportFilter) (ReportPage, error) {
	f = f.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]ReportView, 0)
	for _, r := range s.reports {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		v := s.viewLocked(r)
		if f.Region != "" && v.Region != f.Region {
			continue
		}
		matched = append(matched, v)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ReportedAt.Equal(matched[j].ReportedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].ReportedAt.After(matched[j].ReportedAt)
	})

	page := ReportPage{Page: f.Page, Size: f.Size, Total: len(matched), Reports: []ReportView{}}
	start := f.Page * f.Size
	if start < len(matched) {
		end := start + f.Size
		if end > len(matched) {
			end = len(matched)
		}
		page.Reports = matched[start:end]
	}
	return page, nil
}

func (s *MemoryStore) ResolveReport(_ context.Context, id int64, res Resolution) (ReportView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return ReportView{}, apperr.NotFound("report not found")
	}
	if r.Status.Terminal() {
		return ReportView{}, apperr.Duplicate("report already %s", r.Status)
	}

	at := res.At
	admin := res.AdminUserID
	r.Status = res.Status
	r.ResolvedAt = &at
	r.ResolvedByUserID = &admin
	r.AdminNotes = res.AdminNotes
	view := s.viewLocked(r)

	if res.Status == StatusResolved {
		s.deleteReportsLocked(r.MessageID)
		delete(s.messages, r.MessageID)
	}
	return view, nil
}

func (s *MemoryStore) RegionStats(_ context.Context, now time.Time) ([]RegionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	today := StartOfDay(now)
	weekAgo := today.Add(-StatsWindow)

	type acc struct {
		stats RegionStats
		users map[int64]struct{}
	}
	byRegion := make(map[string]*acc)
	get := func(region string) *acc {
		a, ok := byRegion[region]
		if !ok {
			a = &acc{stats: RegionStats{Region: region}, users: make(map[int64]struct{})}
			byRegion[region] = a
		}
		return a
	}

	for _, msg := range s.messages {
		if msg.Hidden || msg.CreatedAt.Before(weekAgo) {
			continue
		}
		a := get(msg.Region)
		a.stats.MessageCount++
		a.users[msg.AuthorUserID] = struct{}{}
		if !msg.CreatedAt.Before(today) {
			a.stats.TodayMessages++
		}
	}
	for _, r := range s.reports {
		if r.Status != StatusPending {
			continue
		}
		if msg, ok := s.messages[r.MessageID]; ok {
			get(msg.Region).stats.PendingReports++
		}
	}

	out := make([]RegionStats, 0, len(byRegion))
	for _, a := range byRegion {
		a.stats.ActiveUsers = int64(len(a.users))
		out = append(out, a.stats)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageCount == out[j].MessageCount {
			return out[i].Region < out[j].Region
		}
		return out[i].MessageCount > out[j].MessageCount
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) viewLocked(r *Report) ReportView {
	v := ReportView{Report: *r}
	if msg, ok := s.messages[r.MessageID]; ok {
		v.MessageContent = msg.Content
		v.MessageAuthor = msg.AuthorDisplayName
		v.Region = msg.Region
	}
	return v
}

func sortNewestFirst(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
