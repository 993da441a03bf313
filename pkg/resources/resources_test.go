package resources

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/conductor/pkg/kv"
)

type fakeWorkers struct{ total int }

func (f fakeWorkers) TotalCPUs(ctx context.Context) (int, error) { return f.total, nil }

type fakeStore struct{ sum int }

func (f fakeStore) SumAllocatedCPUs(ctx context.Context) (int, error) { return f.sum, nil }

func newTestKV(t *testing.T) kv.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return kv.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestModel_TotalCPUsFallsBackWhenNoWorkers(t *testing.T) {
	ctx := context.Background()
	m := New(newTestKV(t), fakeStore{}, fakeWorkers{total: 0}, 4)

	total, err := m.TotalCPUs(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, total)
}

func TestModel_AllocateReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := fakeStore{sum: 0}
	m := New(newTestKV(t), st, fakeWorkers{total: 8}, 4)

	require.NoError(t, m.Allocate(ctx, 3))
	allocated, err := m.AllocatedCPUs(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, allocated)

	require.NoError(t, m.Release(ctx, 3))
	allocated, err = m.AllocatedCPUs(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, allocated)
}

func TestModel_AvailableCPUsNeverNegative(t *testing.T) {
	ctx := context.Background()
	st := fakeStore{sum: 10}
	m := New(newTestKV(t), st, fakeWorkers{total: 4}, 4)

	_, err := m.SyncFromDB(ctx)
	require.NoError(t, err)

	avail, err := m.AvailableCPUs(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, avail)
}
