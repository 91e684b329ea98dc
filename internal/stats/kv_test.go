package stats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"done-light/internal/db"
)

func newKVTestService(t *testing.T) *KVService {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := db.NewRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Client.Close() })
	return NewKVService(client, zap.NewNop())
}

func TestKVIncrementDecrement(t *testing.T) {
	svc := newKVTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, svc.Increment(ctx, "CREATED", now))
	require.NoError(t, svc.Increment(ctx, "CREATED", now))
	require.NoError(t, svc.Increment(ctx, "SENT", now))

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Statuses["CREATED"])
	assert.EqualValues(t, 1, snap.Statuses["SENT"])

	require.NoError(t, svc.Decrement(ctx, "CREATED", now))
	snap, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Statuses["CREATED"])
}

func TestKVDecrementClampsAtZero(t *testing.T) {
	svc := newKVTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, svc.Decrement(ctx, "QUEUED", now))
	require.NoError(t, svc.Decrement(ctx, "QUEUED", now))

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, snap.Statuses["QUEUED"])
}

func TestKVTotalCounter(t *testing.T) {
	svc := newKVTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.RecordCreate(ctx))
	require.NoError(t, svc.RecordCreate(ctx))
	require.NoError(t, svc.RecordDelete(ctx))

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Total)

	// Deletes never push the total negative.
	require.NoError(t, svc.RecordDelete(ctx))
	require.NoError(t, svc.RecordDelete(ctx))
	snap, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, snap.Total)
}

func TestKVInitializeRebuilds(t *testing.T) {
	svc := newKVTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Seed garbage that the rebuild must wipe.
	require.NoError(t, svc.Increment(ctx, "DLQ", now))
	require.NoError(t, svc.RecordCreate(ctx))

	stored := []struct {
		status    string
		createdAt time.Time
	}{
		{"CREATED", now},
		{"SENT", now.Add(-time.Hour)},
		{"SENT", now.Add(-2 * time.Hour)},
	}
	iter := func(ctx context.Context, fn func(status string, createdAt time.Time) error) error {
		for _, m := range stored {
			if err := fn(m.status, m.createdAt); err != nil {
				return err
			}
		}
		return nil
	}

	require.NoError(t, svc.Initialize(ctx, iter))

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, snap.Total)
	assert.EqualValues(t, 1, snap.Statuses["CREATED"])
	assert.EqualValues(t, 2, snap.Statuses["SENT"])
	assert.EqualValues(t, 0, snap.Statuses["DLQ"])
}

func TestKVHourlyWindow(t *testing.T) {
	svc := newKVTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, svc.Increment(ctx, "CREATED", now))
	require.NoError(t, svc.Increment(ctx, "CREATED", now.AddDate(0, 0, -10))) // outside every window

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Last24h)
	assert.EqualValues(t, 1, snap.Last7d)
	assert.EqualValues(t, 1, snap.Hourly[now.Hour()])
	require.Len(t, snap.Daily, 7)
	assert.EqualValues(t, 1, snap.Daily[6].Incoming, "today is the last daily point")
}
