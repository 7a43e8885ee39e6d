package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/registry"
)

// newTestStore opens a kv store backed by an in-process redis.
func newTestStore(t *testing.T) (kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := kv.DefaultConfig()
	cfg.Addr = mr.Addr()
	store, err := kv.NewRedis(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

// newTestRegistry starts a connection registry on the given store.
// Tests that only exercise service logic never attach websockets to it;
// frame sends then simply find no local connections.
func newTestRegistry(t *testing.T, store kv.Store) *registry.Manager {
	t.Helper()
	mgr := registry.NewManager(registry.DefaultConfig(), store, nil)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})
	return mgr
}
