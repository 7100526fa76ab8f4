package admin

import (
	"context"
	"net/http"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/chat"
	"github.com/festival/regionchat/internal/registry"
	"github.com/festival/regionchat/internal/store"
)

// HistoryStore is the read side of the message store behind /api.
type HistoryStore interface {
	MessagesPage(ctx context.Context, region string, p store.Paging) (store.MessagePage, error)
	UserMessages(ctx context.Context, userID int64, p store.Paging) (store.MessagePage, error)
}

// WithHistory mounts the paged message listings. Unlike the /admin routes
// they accept any authenticated user.
func (h *Handler) WithHistory(s HistoryStore) *Handler {
	h.history = s
	h.mux.HandleFunc("GET /api/regions/{region}/messages", h.withUser(h.regionMessages))
	h.mux.HandleFunc("GET /api/me/messages", h.withUser(h.myMessages))
	return h
}

func (h *Handler) withUser(next adminFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := h.dir.ResolveUser(r.Context(), bearer(r))
		if err != nil {
			h.writeError(w, err, "authentication unavailable")
			return
		}
		next(w, r, id)
	}
}

func pagingParams(r *http.Request) (store.Paging, error) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"))
	if err != nil {
		return store.Paging{}, apperr.Validation("page must be a non-negative integer")
	}
	size, err := intParam(q.Get("size"))
	if err != nil {
		return store.Paging{}, apperr.Validation("size must be a non-negative integer")
	}
	return store.Paging{Page: page, Size: size}.Normalize(), nil
}

func (h *Handler) regionMessages(w http.ResponseWriter, r *http.Request, _ registry.Identity) {
	region, err := chat.ValidateRegion(r.PathValue("region"))
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	p, err := pagingParams(r)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	page, err := h.history.MessagesPage(r.Context(), region, p)
	if err != nil {
		h.writeError(w, err, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) myMessages(w http.ResponseWriter, r *http.Request, user registry.Identity) {
	p, err := pagingParams(r)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	page, err := h.history.UserMessages(r.Context(), user.UserID, p)
	if err != nil {
		h.writeError(w, err, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
