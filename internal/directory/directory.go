// Package directory resolves connection credentials to user identities.
package directory

import (
	"context"
	"strings"
	"sync"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/registry"
)

// Roles known to the chat server.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Directory maps an opaque credential to the user it belongs to. Unknown or
// empty credentials yield an Unauthenticated error.
type Directory interface {
	ResolveUser(ctx context.Context, credential string) (registry.Identity, error)
}

// IsAdmin reports whether id carries the admin role.
func IsAdmin(id registry.Identity) bool {
	return strings.EqualFold(id.Role, RoleAdmin)
}

// Static is an in-memory Directory for development and tests.
type Static struct {
	mu    sync.RWMutex
	users map[string]registry.Identity
}

// NewStatic creates a directory from credential to identity pairs.
func NewStatic(users map[string]registry.Identity) *Static {
	s := &Static{users: make(map[string]registry.Identity, len(users))}
	for cred, id := range users {
		s.Add(cred, id)
	}
	return s
}

// Add registers or replaces a credential. Identities without a role get
// RoleUser and a missing display name falls back to the username.
func (s *Static) Add(credential string, id registry.Identity) {
	if id.Role == "" {
		id.Role = RoleUser
	}
	if id.DisplayName == "" {
		id.DisplayName = id.Username
	}
	s.mu.Lock()
	s.users[credential] = id
	s.mu.Unlock()
}

func (s *Static) ResolveUser(_ context.Context, credential string) (registry.Identity, error) {
	if credential == "" {
		return registry.Identity{}, apperr.Unauthenticated("credential is required")
	}
	s.mu.RLock()
	id, ok := s.users[credential]
	s.mu.RUnlock()
	if !ok {
		return registry.Identity{}, apperr.Unauthenticated("invalid credential")
	}
	return id, nil
}
