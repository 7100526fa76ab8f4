package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/ban"
	"github.com/festival/regionchat/internal/metrics"
	"github.com/festival/regionchat/internal/registry"
)

// BanStore is the suspension store behind the /admin/users routes.
type BanStore interface {
	Check(ctx context.Context, userID int64) (ban.Suspension, bool, error)
	Ban(ctx context.Context, userID int64, d time.Duration, reason string) error
	Unban(ctx context.Context, userID int64) error
	Strikes(ctx context.Context, userID int64) (int, error)
}

// WithBans mounts the suspension routes.
func (h *Handler) WithBans(b BanStore) *Handler {
	h.bans = b
	h.mux.HandleFunc("GET /admin/users/{id}/ban", h.withAdmin(h.getBan))
	h.mux.HandleFunc("POST /admin/users/{id}/ban", h.withAdmin(h.banUser))
	h.mux.HandleFunc("DELETE /admin/users/{id}/ban", h.withAdmin(h.unbanUser))
	return h
}

type banRequest struct {
	Minutes int    `json:"minutes"`
	Reason  string `json:"reason"`
}

type banStatus struct {
	UserID           int64  `json:"userId"`
	Suspended        bool   `json:"suspended"`
	Reason           string `json:"reason,omitempty"`
	RemainingSeconds int    `json:"remainingSeconds,omitempty"`
	Strikes          int    `json:"strikes"`
}

func (h *Handler) getBan(w http.ResponseWriter, r *http.Request, _ registry.Identity) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	sus, banned, err := h.bans.Check(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "failed to read suspension")
		return
	}
	strikes, err := h.bans.Strikes(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "failed to read suspension")
		return
	}
	writeJSON(w, http.StatusOK, banStatus{
		UserID:           id,
		Suspended:        banned,
		Reason:           sus.Reason,
		RemainingSeconds: int(sus.Remaining.Seconds()),
		Strikes:          strikes,
	})
}

func (h *Handler) banUser(w http.ResponseWriter, r *http.Request, admin registry.Identity) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	var req banRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, apperr.Validation("invalid request body"), "")
		return
	}
	d := time.Duration(req.Minutes) * time.Minute
	if d <= 0 || d > ban.MaxBanDuration {
		h.writeError(w, apperr.Validation("minutes must be between 1 and %d", int(ban.MaxBanDuration.Minutes())), "")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "suspended by admin"
	}

	if err := h.bans.Ban(r.Context(), id, d, reason); err != nil {
		h.writeError(w, err, "failed to suspend user")
		return
	}
	metrics.SuspensionsTotal.WithLabelValues("admin").Inc()

	// Live connections are dropped; reconnects are refused at upgrade.
	closed := 0
	for _, c := range h.reg.ConnectionsOf(id) {
		if c.Close() == nil {
			closed++
		}
	}
	h.log.Info("user suspended",
		zap.Int64("user_id", id), zap.Int64("admin_id", admin.UserID),
		zap.Duration("duration", d), zap.Int("closed", closed))

	writeJSON(w, http.StatusOK, banStatus{
		UserID:           id,
		Suspended:        true,
		Reason:           reason,
		RemainingSeconds: int(d.Seconds()),
	})
}

func (h *Handler) unbanUser(w http.ResponseWriter, r *http.Request, admin registry.Identity) {
	id, err := idParam(r)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	if err := h.bans.Unban(r.Context(), id); err != nil {
		h.writeError(w, err, "failed to lift suspension")
		return
	}
	h.log.Info("suspension lifted", zap.Int64("user_id", id), zap.Int64("admin_id", admin.UserID))
	w.WriteHeader(http.StatusNoContent)
}
