package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/festival/regionchat/internal/registry"
)

// newTestStore creates a Store connected to a local Redis instance and flushes
// test keys before returning. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, prefix := range []string{SessionPrefix + "test_*", PresencePrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client, "chat-1"), client
}

func testSession(connID string) registry.Session {
	return registry.Session{
		ConnID: connID,
		Identity: registry.Identity{
			UserID: 42, Username: "minji", DisplayName: "Minji", Role: "USER",
		},
		ConnectedAt: time.Now(),
	}
}

func TestTrackAndGet(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	if err := store.Track(ctx, testSession("test_c1")); err != nil {
		t.Fatalf("Track() error: %v", err)
	}
	got, err := store.Get(ctx, "test_c1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.UserID != 42 || got.DisplayName != "Minji" || got.Server != "chat-1" || got.Region != "" {
		t.Errorf("unexpected session: %+v", got)
	}

	ttl, _ := client.TTL(ctx, SessionPrefix+"test_c1").Result()
	if ttl <= 0 || ttl > SessionTTL {
		t.Errorf("TTL = %v, want (0, %v]", ttl, SessionTTL)
	}

	missing, err := store.Get(ctx, "test_missing")
	if err != nil || missing != nil {
		t.Errorf("Get(missing) = %+v, %v; want nil, nil", missing, err)
	}
}

func TestSetRegionMovesMembership(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.Track(ctx, testSession("test_c2")); err != nil {
		t.Fatal(err)
	}

	if err := store.SetRegion(ctx, "test_c2", "", "test_seoul"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetRegion(ctx, "test_c2", "test_seoul", "test_busan"); err != nil {
		t.Fatal(err)
	}

	if n, _ := store.RegionCount(ctx, "test_seoul"); n != 0 {
		t.Errorf("seoul count = %d, want 0", n)
	}
	members, err := store.RegionMembers(ctx, "test_busan")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "test_c2" {
		t.Errorf("busan members = %v", members)
	}
	got, _ := store.Get(ctx, "test_c2")
	if got == nil || got.Region != "test_busan" {
		t.Errorf("region = %+v, want test_busan", got)
	}
}

func TestUntrack(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	sess := testSession("test_c3")
	if err := store.Track(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := store.SetRegion(ctx, sess.ConnID, "", "test_jeju"); err != nil {
		t.Fatal(err)
	}
	sess.Region = "test_jeju"

	if err := store.Untrack(ctx, sess); err != nil {
		t.Fatalf("Untrack() error: %v", err)
	}
	if got, _ := store.Get(ctx, sess.ConnID); got != nil {
		t.Errorf("session still present: %+v", got)
	}
	if n, _ := store.RegionCount(ctx, "test_jeju"); n != 0 {
		t.Errorf("jeju count = %d, want 0", n)
	}
	if err := store.RefreshTTL(ctx, "test_c3"); err != nil {
		t.Errorf("RefreshTTL() on a gone session: %v", err)
	}
	if got, _ := store.Get(ctx, sess.ConnID); got != nil {
		t.Errorf("RefreshTTL recreated the session: %+v", got)
	}
}
