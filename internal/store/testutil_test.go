package store

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jobbroker/core/internal/platform/logger"
)

// newTestStore spins up an in-process miniredis instance (which implements
// Lua scripting via gopher-lua, so EVAL-based atomic scripts run exactly as
// they would against real Redis) and wraps it in a Store.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return New(client, log, Options{Prefix: "test:"})
}
