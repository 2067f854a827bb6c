package pg

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestNewPoolRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := NewPool(ctx, Config{}); err == nil {
		t.Fatalf("empty dsn accepted")
	}
	if _, err := NewPool(ctx, Config{DSN: "postgres://%zz"}); err == nil {
		t.Fatalf("malformed dsn accepted")
	}
}

// needs a database: CHATTY_TEST_POSTGRES=postgres://...
func TestMigrateIdempotent(t *testing.T) {
	dsn := os.Getenv("CHATTY_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("CHATTY_TEST_POSTGRES not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := NewPool(ctx, Config{DSN: dsn, MaxRetry: 1})
	if err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}
	defer pool.Close()
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, pool); err != nil {
			t.Fatalf("migrate #%d: %v", i, err)
		}
	}
}
