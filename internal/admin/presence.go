package admin

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/chat"
	"github.com/festival/regionchat/internal/registry"
	"github.com/festival/regionchat/internal/session"
)

// PresenceReader reads the sessions every chat server mirrors to Redis.
type PresenceReader interface {
	RegionCount(ctx context.Context, region string) (int64, error)
	RegionMembers(ctx context.Context, region string) ([]string, error)
	Get(ctx context.Context, connID string) (*session.Session, error)
}

// WithPresence adds cluster-wide counts to /admin/regions and mounts the
// region member listing.
func (h *Handler) WithPresence(p PresenceReader) *Handler {
	h.presence = p
	h.mux.HandleFunc("GET /admin/regions/{region}/members", h.withAdmin(h.regionMembers))
	return h
}

type member struct {
	ConnID      string `json:"connId"`
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Server      string `json:"server"`
	LastActive  int64  `json:"lastActive"`
}

func (h *Handler) regionMembers(w http.ResponseWriter, r *http.Request, _ registry.Identity) {
	region, err := chat.ValidateRegion(r.PathValue("region"))
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	ids, err := h.presence.RegionMembers(r.Context(), region)
	if err != nil {
		h.writeError(w, err, "failed to read presence")
		return
	}

	out := struct {
		Region  string   `json:"region"`
		Members []member `json:"members"`
	}{Region: region, Members: make([]member, 0, len(ids))}
	for _, id := range ids {
		sess, err := h.presence.Get(r.Context(), id)
		if err != nil {
			h.writeError(w, err, "failed to read presence")
			return
		}
		// The set can briefly outlive an expired session hash.
		if sess == nil {
			continue
		}
		out.Members = append(out.Members, member{
			ConnID:      sess.ConnID,
			UserID:      sess.UserID,
			Username:    sess.Username,
			DisplayName: sess.DisplayName,
			Server:      sess.Server,
			LastActive:  sess.LastActive,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// mirroredCount is best effort; a Redis failure leaves the field unset.
func (h *Handler) mirroredCount(ctx context.Context, region string) *int64 {
	if h.presence == nil {
		return nil
	}
	n, err := h.presence.RegionCount(ctx, region)
	if err != nil {
		h.log.Warn("mirrored presence count", zap.String("region", region), zap.Error(err))
		return nil
	}
	return &n
}
