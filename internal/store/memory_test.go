package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festival/regionchat/internal/apperr"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore()
	s.SetClock(clock.Now)
	return s, clock
}

func appendMsg(t *testing.T, s *MemoryStore, region string, user int64, content string) Message {
	t.Helper()
	msg, err := s.AppendMessage(context.Background(), NewMessage{
		Region:            region,
		AuthorUserID:      user,
		AuthorDisplayName: fmt.Sprintf("user-%d", user),
		Content:           content,
	})
	require.NoError(t, err)
	return msg
}

func TestRecentMessages_NewestFirstAndExcludesHidden(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	first := appendMsg(t, s, "seoul", 1, "one")
	clock.Advance(time.Second)
	second := appendMsg(t, s, "seoul", 2, "two")
	clock.Advance(time.Second)
	appendMsg(t, s, "busan", 1, "elsewhere")
	clock.Advance(time.Second)
	third := appendMsg(t, s, "seoul", 1, "three")

	changed, err := s.HideMessage(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	msgs, err := s.RecentMessages(ctx, "seoul", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, third.ID, msgs[0].ID)
	assert.Equal(t, first.ID, msgs[1].ID)

	limited, err := s.RecentMessages(ctx, "seoul", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, third.ID, limited[0].ID)
}

func TestHideMessage_OnlyFirstCallChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	msg := appendMsg(t, s, "seoul", 1, "hi")

	changed, err := s.HideMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.HideMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.HideMessage(ctx, 999)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestHasRecentDuplicate_Window(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	appendMsg(t, s, "seoul", 1, "hello")

	since := clock.Now().Add(-time.Minute)
	dup, err := s.HasRecentDuplicate(ctx, 1, "seoul", "hello", since)
	require.NoError(t, err)
	assert.True(t, dup)

	for _, tc := range []struct {
		name    string
		user    int64
		region  string
		content string
	}{
		{"other user", 2, "seoul", "hello"},
		{"other region", 1, "busan", "hello"},
		{"other content", 1, "seoul", "hello!"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dup, err := s.HasRecentDuplicate(ctx, tc.user, tc.region, tc.content, since)
			require.NoError(t, err)
			assert.False(t, dup)
		})
	}

	clock.Advance(61 * time.Second)
	dup, err = s.HasRecentDuplicate(ctx, 1, "seoul", "hello", clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSaveReport_RejectsDuplicatePair(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	msg := appendMsg(t, s, "seoul", 1, "spammy")

	r, err := s.SaveReport(ctx, Report{MessageID: msg.ID, ReporterUserID: 2, Reason: "spam"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.NotZero(t, r.ID)

	_, err = s.SaveReport(ctx, Report{MessageID: msg.ID, ReporterUserID: 2, Reason: "spam"})
	assert.True(t, errors.Is(err, apperr.ErrDuplicate))

	_, err = s.SaveReport(ctx, Report{MessageID: msg.ID, ReporterUserID: 3, Reason: "spam"})
	require.NoError(t, err)

	n, err := s.CountReports(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.SaveReport(ctx, Report{MessageID: 12345, ReporterUserID: 2, Reason: "spam"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestSaveReport_ConcurrentSameReporter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	msg := appendMsg(t, s, "seoul", 1, "x")

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.SaveReport(ctx, Report{MessageID: msg.ID, ReporterUserID: 7, Reason: "spam"}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
}

func TestCountReports_IgnoresRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	msg := appendMsg(t, s, "seoul", 1, "x")

	r1, err := s.SaveReport(ctx, Report{MessageID: msg.ID, ReporterUserID: 2, Reason: "spam"})
	require.NoError(t, err)
	_, err = s.SaveReport(ctx, Report{MessageID: msg.ID, ReporterUserID: 3, Reason: "spam"})
	require.NoError(t, err)

	_, err = s.ResolveReport(ctx, r1.ID, Resolution{Status: StatusRejected, AdminUserID: 100, At: time.Now()})
	require.NoError(t, err)

	n, err := s.CountReports(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResolveReport_ResolvedCascades(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	msg := appendMsg(t, s, "seoul", 1, "bad")

	var ids []int64
	for reporter := int64(2); reporter <= 4; reporter++ {
		r, err := s.SaveReport(ctx, Report{MessageID: msg.ID, ReporterUserID: reporter, Reason: "abuse"})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	view, err := s.ResolveReport(ctx, ids[0], Resolution{
		Status: StatusResolved, AdminUserID: 100, AdminNotes: "removed", At: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, view.Status)
	assert.Equal(t, "seoul", view.Region)
	require.NotNil(t, view.ResolvedByUserID)
	assert.Equal(t, int64(100), *view.ResolvedByUserID)

	_, err = s.GetMessage(ctx, msg.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	for _, id := range ids {
		_, err := s.GetReport(ctx, id)
		assert.True(t, errors.Is(err, apperr.ErrNotFound), "report %d should be gone", id)
	}

	_, err = s.ResolveReport(ctx, ids[0], Resolution{Status: StatusResolved, AdminUserID: 100, At: time.Now()})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestResolveReport_RejectedKeepsMessageAndResolvesOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	msg := appendMsg(t, s, "seoul", 1, "fine")

	r, err := s.SaveReport(ctx, Report{MessageID: msg.ID, ReporterUserID: 2, Reason: "spam"})
	require.NoError(t, err)

	_, err = s.ResolveReport(ctx, r.ID, Resolution{Status: StatusRejected, AdminUserID: 100, At: time.Now()})
	require.NoError(t, err)

	_, err = s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)

	_, err = s.ResolveReport(ctx, r.ID, Resolution{Status: StatusResolved, AdminUserID: 100, At: time.Now()})
	assert.True(t, errors.Is(err, apperr.ErrDuplicate))
}

func TestListReports_Filters(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seoul := appendMsg(t, s, "seoul", 1, "a")
	busan := appendMsg(t, s, "busan", 1, "b")

	for reporter := int64(2); reporter <= 6; reporter++ {
		clock.Advance(time.Second)
		_, err := s.SaveReport(ctx, Report{MessageID: seoul.ID, ReporterUserID: reporter, Reason: "spam"})
		require.NoError(t, err)
	}
	clock.Advance(time.Second)
	b, err := s.SaveReport(ctx, Report{MessageID: busan.ID, ReporterUserID: 2, Reason: "spam"})
	require.NoError(t, err)
	_, err = s.ResolveReport(ctx, b.ID, Resolution{Status: StatusRejected, AdminUserID: 9, At: clock.Now()})
	require.NoError(t, err)

	all, err := s.ListReports(ctx, ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, all.Total)
	assert.Equal(t, b.ID, all.Reports[0].ID, "newest first")

	pending, err := s.ListReports(ctx, ReportFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Equal(t, 5, pending.Total)

	busanOnly, err := s.ListReports(ctx, ReportFilter{Region: "busan"})
	require.NoError(t, err)
	require.Equal(t, 1, busanOnly.Total)
	assert.Equal(t, "b", busanOnly.Reports[0].MessageContent)

	paged, err := s.ListReports(ctx, ReportFilter{Page: 1, Size: 4})
	require.NoError(t, err)
	assert.Equal(t, 6, paged.Total)
	assert.Len(t, paged.Reports, 2)

	empty, err := s.ListReports(ctx, ReportFilter{Page: 10, Size: 4})
	require.NoError(t, err)
	assert.NotNil(t, empty.Reports)
	assert.Empty(t, empty.Reports)
}

func TestDeleteMessage_RemovesReports(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	msg := appendMsg(t, s, "seoul", 1, "x")
	r, err := s.SaveReport(ctx, Report{MessageID: msg.ID, ReporterUserID: 2, Reason: "spam"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(ctx, msg.ID))

	_, err = s.GetReport(ctx, r.ID)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.True(t, errors.Is(s.DeleteMessage(ctx, msg.ID), apperr.ErrNotFound))
}

func TestRegionStats(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	clock.Advance(-48 * time.Hour)
	appendMsg(t, s, "seoul", 1, "old")
	clock.Advance(48 * time.Hour)
	appendMsg(t, s, "seoul", 1, "today-1")
	appendMsg(t, s, "seoul", 2, "today-2")
	hidden := appendMsg(t, s, "seoul", 3, "hidden")
	busan := appendMsg(t, s, "busan", 4, "b")
	_, err := s.HideMessage(ctx, hidden.ID)
	require.NoError(t, err)
	_, err = s.SaveReport(ctx, Report{MessageID: busan.ID, ReporterUserID: 1, Reason: "spam"})
	require.NoError(t, err)

	stats, err := s.RegionStats(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, RegionStats{Region: "seoul", MessageCount: 3, ActiveUsers: 2, TodayMessages: 2}, stats[0])
	assert.Equal(t, RegionStats{Region: "busan", MessageCount: 1, ActiveUsers: 1, TodayMessages: 1, PendingReports: 1}, stats[1])
}

func TestReportFilterNormalize(t *testing.T) {
	f := ReportFilter{Page: -1, Size: 0}.Normalize()
	assert.Equal(t, 0, f.Page)
	assert.Equal(t, DefaultPageSize, f.Size)

	f = ReportFilter{Size: 1000}.Normalize()
	assert.Equal(t, MaxPageSize, f.Size)
}

func TestMessagesPage_PagesNewestFirst(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, appendMsg(t, s, "seoul", int64(i+1), fmt.Sprintf("m%d", i)).ID)
		clock.Advance(time.Second)
	}
	appendMsg(t, s, "busan", 1, "elsewhere")
	_, err := s.HideMessage(ctx, ids[4])
	require.NoError(t, err)

	page, err := s.MessagesPage(ctx, "seoul", Paging{Page: 0, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total, "hidden messages are not listed")
	require.Len(t, page.Messages, 2)
	assert.Equal(t, ids[3], page.Messages[0].ID)
	assert.Equal(t, ids[2], page.Messages[1].ID)

	page, err = s.MessagesPage(ctx, "seoul", Paging{Page: 1, Size: 2})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, ids[0], page.Messages[1].ID)

	page, err = s.MessagesPage(ctx, "seoul", Paging{Page: 9, Size: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.NotNil(t, page.Messages)
	assert.Equal(t, 4, page.Total)
}

func TestUserMessages_AcrossRegionsWithHidden(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	a := appendMsg(t, s, "seoul", 7, "first")
	clock.Advance(time.Second)
	appendMsg(t, s, "seoul", 8, "someone else")
	clock.Advance(time.Second)
	b := appendMsg(t, s, "busan", 7, "second")
	_, err := s.HideMessage(ctx, b.ID)
	require.NoError(t, err)

	page, err := s.UserMessages(ctx, 7, Paging{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, page.Size)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, b.ID, page.Messages[0].ID)
	assert.True(t, page.Messages[0].Hidden)
	assert.Equal(t, a.ID, page.Messages[1].ID)
}

func TestPagingNormalize(t *testing.T) {
	p := Paging{Page: -3, Size: 500}.Normalize()
	assert.Equal(t, 0, p.Page)
	assert.Equal(t, MaxPageSize, p.Size)
	assert.Equal(t, 40, Paging{Page: 2, Size: 20}.Offset())
}
