// Package admin serves the operator HTTP API for reports, messages and
// region activity, plus user suspensions when a ban store is attached.
// Every /admin route requires an ADMIN credential; the /api history
// routes accept any authenticated user.
package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/directory"
	"github.com/festival/regionchat/internal/moderation"
	"github.com/festival/regionchat/internal/registry"
	"github.com/festival/regionchat/internal/store"
)

const maxBodyBytes = 16 << 10

// Handler is the admin API.
type Handler struct {
	mod  *moderation.Engine
	reg  *registry.Registry
	dir  directory.Directory
	bans BanStore
	// optional
	history  HistoryStore
	presence PresenceReader

	log *zap.Logger
	mux *http.ServeMux
}

// NewHandler builds the admin routes.
func NewHandler(mod *moderation.Engine, reg *registry.Registry, dir directory.Directory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{mod: mod, reg: reg, dir: dir, log: logger.Named("admin"), mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /admin/reports", h.withAdmin(h.listReports))
	h.mux.HandleFunc("POST /admin/reports/{id}/resolve", h.withAdmin(h.resolveReport))
	h.mux.HandleFunc("DELETE /admin/messages/{id}", h.withAdmin(h.deleteMessage))
	h.mux.HandleFunc("GET /admin/regions", h.withAdmin(h.regions))
	h.mux.HandleFunc("GET /admin/stats", h.withAdmin(h.stats))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type adminFunc func(w http.ResponseWriter, r *http.Request, admin registry.Identity)

func (h *Handler) withAdmin(next adminFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := h.dir.ResolveUser(r.Context(), bearer(r))
		if err != nil {
			h.writeError(w, err, "authentication unavailable")
			return
		}
		if !directory.IsAdmin(id) {
			h.writeError(w, apperr.NotAuthorized("admin role required"), "")
			return
		}
		next(w, r, id)
	}
}

func bearer(r *http.Request) string {
	const prefix = "Bearer "
	v := r.Header.Get("Authorization")
	if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
		return strings.TrimSpace(v[len(prefix):])
	}
	return ""
}

func (h *Handler) listReports(w http.ResponseWriter, r *http.Request, _ registry.Identity) {
	q := r.URL.Query()
	f := store.ReportFilter{
		Status: store.ReportStatus(strings.ToUpper(q.Get("status"))),
		Region: q.Get("region"),
	}
	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		h.writeError(w, apperr.Validation("page must be a non-negative integer"), "")
		return
	}
	if f.Size, err = intParam(q.Get("size")); err != nil {
		h.writeError(w, apperr.Validation("size must be a non-negative integer"), "")
		return
	}

	page, err := h.mod.ListReports(r.Context(), f)
	if err != nil {
		h.writeError(w, err, "failed to list reports")
		return
	}
	if page.Reports == nil {
		page.Reports = []store.ReportView{}
	}
	writeJSON(w, http.StatusOK, page)
}

type resolveRequest struct {
	Status     string `json:"status"`
	AdminNotes string `json:"adminNotes"`
}

func (h *Handler) resolveReport(w http.ResponseWriter, r *http.Request, admin registry.Identity) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	var req resolveRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, apperr.Validation("invalid request body"), "")
		return
	}

	status := store.ReportStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	view, err := h.mod.ResolveReport(r.Context(), id, admin.UserID, status, req.AdminNotes)
	if err != nil {
		h.writeError(w, err, "failed to resolve report")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request, admin registry.Identity) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	if err := h.mod.ForceDelete(r.Context(), id, admin.UserID); err != nil {
		h.writeError(w, err, "failed to delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type regionCount struct {
	Region string `json:"region"`
	Count  int    `json:"count"`
	// Mirrored counts connections on every server, when presence is attached.
	Mirrored *int64 `json:"mirrored,omitempty"`
}

func (h *Handler) regions(w http.ResponseWriter, r *http.Request, _ registry.Identity) {
	counts := h.reg.Counts()
	out := struct {
		Regions     []regionCount `json:"regions"`
		Connections int           `json:"connections"`
	}{Regions: make([]regionCount, 0, len(counts)), Connections: h.reg.Len()}

	for _, region := range h.reg.Regions() {
		if n := counts[region]; n > 0 {
			out.Regions = append(out.Regions, regionCount{
				Region:   region,
				Count:    n,
				Mirrored: h.mirroredCount(r.Context(), region),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, _ registry.Identity) {
	stats, err := h.mod.RegionStats(r.Context())
	if err != nil {
		h.writeError(w, err, "failed to load statistics")
		return
	}
	if stats == nil {
		stats = []store.RegionStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:      http.StatusBadRequest,
	apperr.KindUnauthenticated: http.StatusUnauthorized,
	apperr.KindNotAuthorized:   http.StatusForbidden,
	apperr.KindNotFound:        http.StatusNotFound,
	apperr.KindDuplicate:       http.StatusConflict,
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fallback string) {
	code, ok := statusByKind[apperr.KindOf(err)]
	if !ok {
		code = http.StatusInternalServerError
		h.log.Error("admin request failed", zap.Error(err))
	}
	if fallback == "" {
		fallback = http.StatusText(code)
	}
	writeJSON(w, code, map[string]string{"error": apperr.PublicMessage(err, fallback)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
