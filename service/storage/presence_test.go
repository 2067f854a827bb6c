package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"chatty/service/chat"

	"github.com/redis/go-redis/v9"
)

var _ chat.PresenceSink = (*Presence)(nil)

func TestPresenceKeyFormat(t *testing.T) {
	if got := PresenceKey("u1"); got != "im:presence:u1" {
		t.Fatalf("key = %q", got)
	}
	if got := presenceValue("gw", "42"); got != "gw:42" {
		t.Fatalf("value = %q", got)
	}
}

// needs a live redis: CHATTY_TEST_REDIS=127.0.0.1:6379
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("CHATTY_TEST_REDIS")
	if addr == "" {
		t.Skip("CHATTY_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestPresenceOfflineOnlyRemovesOwnEntry(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	p := NewPresence(rdb, PresenceConfig{NodeID: "test-node", TTL: time.Minute})
	user := "presence-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { rdb.Del(context.Background(), PresenceKey(user)) })

	if err := p.Online(ctx, user, "c1"); err != nil {
		t.Fatalf("online c1: %v", err)
	}
	if err := p.Online(ctx, user, "c2"); err != nil {
		t.Fatalf("online c2: %v", err)
	}
	if err := p.Offline(ctx, user, "c1"); err != nil {
		t.Fatalf("offline c1: %v", err)
	}
	e, ok, err := p.Lookup(ctx, user)
	if err != nil || !ok || e.ConnID != "c2" || e.NodeID != "test-node" {
		t.Fatalf("lookup after stale offline = %+v %v %v", e, ok, err)
	}
	if err := p.Offline(ctx, user, "c2"); err != nil {
		t.Fatalf("offline c2: %v", err)
	}
	if _, ok, _ := p.Lookup(ctx, user); ok {
		t.Fatalf("still online")
	}
}

func TestPresencePurgeNode(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	mine := NewPresence(rdb, PresenceConfig{NodeID: "purge-a", TTL: time.Minute})
	other := NewPresence(rdb, PresenceConfig{NodeID: "purge-b", TTL: time.Minute})
	suffix := time.Now().Format("150405.000000")
	ua, ub := "purge-a-"+suffix, "purge-b-"+suffix
	t.Cleanup(func() { rdb.Del(context.Background(), PresenceKey(ua), PresenceKey(ub)) })

	_ = mine.Online(ctx, ua, "1")
	_ = other.Online(ctx, ub, "2")
	n, err := mine.PurgeNode(ctx)
	if err != nil || n < 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
	if _, ok, _ := mine.Lookup(ctx, ua); ok {
		t.Fatalf("own entry survived purge")
	}
	if _, ok, _ := mine.Lookup(ctx, ub); !ok {
		t.Fatalf("other node's entry purged")
	}
}
