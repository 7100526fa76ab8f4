package directory

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/registry"
)

const (
	// TokenPrefix keys map a credential to a user id.
	TokenPrefix = "auth:token:"

	// UserPrefix keys hold a user hash {id, username, display_name, role}.
	UserPrefix = "user:"
)

type userRecord struct {
	ID          int64  `redis:"id"`
	Username    string `redis:"username"`
	DisplayName string `redis:"display_name"`
	Role        string `redis:"role"`
}

// Redis resolves credentials against keys written by the account service.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis creates a Redis-backed directory.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (d *Redis) ResolveUser(ctx context.Context, credential string) (registry.Identity, error) {
	if credential == "" {
		return registry.Identity{}, apperr.Unauthenticated("credential is required")
	}

	raw, err := d.client.Get(ctx, TokenPrefix+credential).Result()
	if errors.Is(err, redis.Nil) {
		return registry.Identity{}, apperr.Unauthenticated("invalid credential")
	}
	if err != nil {
		return registry.Identity{}, apperr.Persistence("failed to resolve credential", err)
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return registry.Identity{}, apperr.Unauthenticated("invalid credential")
	}

	var u userRecord
	if err := d.client.HGetAll(ctx, UserPrefix+raw).Scan(&u); err != nil {
		return registry.Identity{}, apperr.Persistence("failed to load user", err)
	}
	if u.Username == "" {
		return registry.Identity{}, apperr.Unauthenticated("unknown user")
	}

	id := registry.Identity{
		UserID:      userID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
	}
	if id.Role == "" {
		id.Role = RoleUser
	}
	if id.DisplayName == "" {
		id.DisplayName = id.Username
	}
	return id, nil
}

// Put writes a user and one credential for it. It is used by the seed
// command and tests.
func (d *Redis) Put(ctx context.Context, credential string, id registry.Identity) error {
	key := UserPrefix + strconv.FormatInt(id.UserID, 10)
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":           id.UserID,
		"username":     id.Username,
		"display_name": id.DisplayName,
		"role":         id.Role,
	})
	pipe.Set(ctx, TokenPrefix+credential, id.UserID, 0)
	_, err := pipe.Exec(ctx)
	return err
}
