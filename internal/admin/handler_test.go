package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/broadcast"
	"github.com/festival/regionchat/internal/directory"
	"github.com/festival/regionchat/internal/moderation"
	"github.com/festival/regionchat/internal/protocol"
	"github.com/festival/regionchat/internal/registry"
	"github.com/festival/regionchat/internal/registry/registrytest"
	"github.com/festival/regionchat/internal/store"
)

type fixture struct {
	h     *Handler
	store *store.MemoryStore
	mod   *moderation.Engine
	reg   *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	st := store.NewMemoryStore()
	bc := broadcast.NewEngine(reg, zap.NewNop())
	mod := moderation.NewEngine(st, bc, nil, moderation.DefaultConfig(), zap.NewNop())
	dir := directory.NewStatic(map[string]registry.Identity{
		"admin-tok": {UserID: 900, Username: "ops", Role: directory.RoleAdmin},
		"user-tok":  {UserID: 1, Username: "visitor"},
	})
	return &fixture{h: NewHandler(mod, reg, dir, zap.NewNop()), store: st, mod: mod, reg: reg}
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, r)
	return w
}

func (f *fixture) reportedMessage(t *testing.T, region string, reporters ...int64) (store.Message, []store.Report) {
	t.Helper()
	ctx := context.Background()
	m, err := f.store.AppendMessage(ctx, store.NewMessage{Region: region, AuthorUserID: 5, AuthorDisplayName: "five", Content: "buy now"})
	require.NoError(t, err)
	var reports []store.Report
	for _, r := range reporters {
		res, err := f.mod.FileReport(ctx, moderation.ReportRequest{MessageID: m.ID, ReporterUserID: r, Reason: "spam"})
		require.NoError(t, err)
		reports = append(reports, res.Report)
	}
	return m, reports
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/admin/reports", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/admin/reports", "user-tok", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "admin role required", decode[map[string]string](t, w)["error"])

	w = f.do(http.MethodGet, "/admin/reports", "admin-tok", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListReports(t *testing.T) {
	f := newFixture(t)
	f.reportedMessage(t, "seoul", 10, 11)
	f.reportedMessage(t, "busan", 12)

	page := decode[store.ReportPage](t, f.do(http.MethodGet, "/admin/reports?status=pending", "admin-tok", ""))
	assert.Equal(t, 3, page.Total)

	page = decode[store.ReportPage](t, f.do(http.MethodGet, "/admin/reports?region=busan", "admin-tok", ""))
	require.Len(t, page.Reports, 1)
	assert.Equal(t, "busan", page.Reports[0].Region)
	assert.Equal(t, "buy now", page.Reports[0].MessageContent)

	page = decode[store.ReportPage](t, f.do(http.MethodGet, "/admin/reports?size=1&page=1", "admin-tok", ""))
	assert.Len(t, page.Reports, 1)
	assert.Equal(t, 3, page.Total)

	for _, q := range []string{"status=OPEN", "page=-1", "size=x"} {
		w := f.do(http.MethodGet, "/admin/reports?"+q, "admin-tok", "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestResolveReport(t *testing.T) {
	f := newFixture(t)
	watcher := registrytest.NewConn("w")
	f.reg.Register(watcher, registry.Identity{UserID: 77})
	_, err := f.reg.Join("w", "seoul")
	require.NoError(t, err)

	m, reports := f.reportedMessage(t, "seoul", 10, 11)
	path := fmt.Sprintf("/admin/reports/%d/resolve", reports[0].ID)

	w := f.do(http.MethodPost, path, "admin-tok", `{"status":"RESOLVED","adminNotes":"spam confirmed"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[store.ReportView](t, w)
	assert.Equal(t, store.StatusResolved, view.Status)
	require.NotNil(t, view.ResolvedByUserID)
	assert.Equal(t, int64(900), *view.ResolvedByUserID)

	del := watcher.EventsOfType(protocol.TypeMessageDeleted)
	require.Len(t, del, 1)
	assert.Equal(t, float64(m.ID), del[0]["messageId"])

	w = f.do(http.MethodPost, fmt.Sprintf("/admin/reports/%d/resolve", reports[1].ID), "admin-tok", `{"status":"REJECTED"}`)
	assert.Equal(t, http.StatusNotFound, w.Code, "sibling reports are removed with the message")
}

func TestResolveReport_BadInput(t *testing.T) {
	f := newFixture(t)
	_, reports := f.reportedMessage(t, "seoul", 10)
	path := fmt.Sprintf("/admin/reports/%d/resolve", reports[0].ID)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad id", "/admin/reports/abc/resolve", `{"status":"RESOLVED"}`, http.StatusBadRequest},
		{"bad json", path, `{`, http.StatusBadRequest},
		{"unknown field", path, `{"status":"RESOLVED","extra":1}`, http.StatusBadRequest},
		{"pending", path, `{"status":"PENDING"}`, http.StatusBadRequest},
		{"missing report", "/admin/reports/999/resolve", `{"status":"REJECTED"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, tt.path, "admin-tok", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := f.do(http.MethodPost, path, "admin-tok", `{"status":"rejected"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodPost, path, "admin-tok", `{"status":"RESOLVED"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	m, _ := f.reportedMessage(t, "daegu", 10)

	w := f.do(http.MethodDelete, fmt.Sprintf("/admin/messages/%d", m.ID), "admin-tok", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodDelete, fmt.Sprintf("/admin/messages/%d", m.ID), "admin-tok", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegionsAndStats(t *testing.T) {
	f := newFixture(t)
	for i, region := range []string{"seoul", "seoul", "busan"} {
		id := fmt.Sprintf("c%d", i)
		f.reg.Register(registrytest.NewConn(id), registry.Identity{UserID: int64(i)})
		_, err := f.reg.Join(id, region)
		require.NoError(t, err)
	}
	f.reg.Register(registrytest.NewConn("idle"), registry.Identity{UserID: 9})

	regions := decode[struct {
		Regions     []regionCount `json:"regions"`
		Connections int           `json:"connections"`
	}](t, f.do(http.MethodGet, "/admin/regions", "admin-tok", ""))
	assert.Equal(t, []regionCount{{Region: "busan", Count: 1}, {Region: "seoul", Count: 2}}, regions.Regions)
	assert.Equal(t, 4, regions.Connections)

	f.reportedMessage(t, "seoul", 10)
	stats := decode[[]store.RegionStats](t, f.do(http.MethodGet, "/admin/stats", "admin-tok", ""))
	require.Len(t, stats, 1)
	assert.Equal(t, "seoul", stats[0].Region)
	assert.Equal(t, int64(1), stats[0].MessageCount)
	assert.Equal(t, int64(1), stats[0].PendingReports)
}
