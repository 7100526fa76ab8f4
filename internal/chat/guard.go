package chat

import (
	"context"
	"time"
)

// DefaultDuplicateWindow is how long identical content from one user in one
// region is refused.
const DefaultDuplicateWindow = 60 * time.Second

// DuplicateChecker is the store query the guard relies on.
type DuplicateChecker interface {
	HasRecentDuplicate(ctx context.Context, userID int64, region, content string, since time.Time) (bool, error)
}

// Guard rejects resubmission of the exact same text. It is not a rate
// limiter: different content is always admitted.
type Guard struct {
	store  DuplicateChecker
	window time.Duration
}

// NewGuard creates a Guard with the given window; zero selects the default.
func NewGuard(store DuplicateChecker, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &Guard{store: store, window: window}
}

// IsDuplicate reports whether userID posted content in region within the
// window ending at now.
func (g *Guard) IsDuplicate(ctx context.Context, userID int64, region, content string, now time.Time) (bool, error) {
	return g.store.HasRecentDuplicate(ctx, userID, region, content, now.Add(-g.window))
}
