package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"done-light/internal/audit"
	"done-light/internal/db"
	"done-light/internal/queue"
	"done-light/internal/stats"
)

func newTestService(t *testing.T) (*Service, *queue.Memory, audit.Store, stats.Service) {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	database, err := db.NewSQL(ctx, dsn, "")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(ctx))
	t.Cleanup(func() { database.Close() })

	logger := zap.NewNop()
	store := NewSQLStore(database, logger)
	statsSvc := stats.NewSQLService(database, logger)
	auditLog := audit.NewSQLStore(database, logger)
	q := queue.NewMemory()

	return NewService(store, statsSvc, auditLog, q, logger), q, auditLog, statsSvc
}

func drainEvents(t *testing.T, q *queue.Memory) []*queue.Event {
	t.Helper()
	return q.Pending()
}

func TestServiceCreateEmitsEverything(t *testing.T) {
	service, q, auditLog, statsSvc := newTestService(t)
	ctx := context.Background()

	msg := &Message{
		Payload: Payload{
			Headers: Headers{Forward: map[string]string{}, Command: map[string]string{}},
			URL:     "https://target.example/hook",
		},
	}
	created, err := service.Create(ctx, msg, nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(created.ID, "msg_"), "id prefix")
	assert.Equal(t, StatusCreated, created.Status)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.PublishAt.IsZero())

	events := drainEvents(t, q)
	require.Len(t, events, 1)
	assert.Equal(t, queue.EventStoreCreate, events[0].Type)

	var data queue.StoreEventData
	require.NoError(t, json.Unmarshal(events[0].Data, &data))
	assert.Nil(t, data.Before)
	require.NotNil(t, data.After)
	var after Message
	require.NoError(t, json.Unmarshal(data.After, &after))
	assert.Equal(t, created.ID, after.ID)

	entries, err := auditLog.ListByMessageID(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EntryCreate, entries[0].Type)

	snap, err := statsSvc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Total)
	assert.EqualValues(t, 1, snap.Statuses[string(StatusCreated)])
}

func TestServiceCreatePreservesTimestamps(t *testing.T) {
	service, _, _, _ := newTestService(t)
	ctx := context.Background()

	past := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := testMessage("msg_seeded", StatusSent, past)

	created, err := service.Create(ctx, msg, &CreateOptions{PreserveTimestamps: true})
	require.NoError(t, err)
	assert.Equal(t, "msg_seeded", created.ID)
	assert.True(t, created.CreatedAt.Equal(past), "created_at preserved")

	got, err := service.GetByID(ctx, "msg_seeded")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(past))
	assert.Equal(t, StatusSent, got.Status)
}

func TestServiceUpdateAdjustsStatsAndEmits(t *testing.T) {
	service, q, auditLog, statsSvc := newTestService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, testMessage("msg_up", StatusCreated, time.Now().UTC()), nil)
	require.NoError(t, err)

	status := StatusQueued
	updated, err := service.Update(ctx, created.ID, Patch{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, updated.Status)

	snap, err := statsSvc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, snap.Statuses[string(StatusCreated)])
	assert.EqualValues(t, 1, snap.Statuses[string(StatusQueued)])
	assert.EqualValues(t, 1, snap.Total, "total unchanged by transitions")

	events := drainEvents(t, q)
	require.Len(t, events, 2)
	assert.Equal(t, queue.EventStoreUpdate, events[1].Type)

	var data queue.StoreEventData
	require.NoError(t, json.Unmarshal(events[1].Data, &data))
	var before, after Message
	require.NoError(t, json.Unmarshal(data.Before, &before))
	require.NoError(t, json.Unmarshal(data.After, &after))
	assert.Equal(t, StatusCreated, before.Status)
	assert.Equal(t, StatusQueued, after.Status)

	entries, err := auditLog.ListByMessageID(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.EntryCreate, entries[0].Type)
	assert.Equal(t, audit.EntryUpdate, entries[1].Type)
}

func TestServiceNoopUpdateStillEmits(t *testing.T) {
	service, q, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, testMessage("msg_noop", StatusCreated, time.Now().UTC()), nil)
	require.NoError(t, err)

	status := StatusCreated
	_, err = service.Update(ctx, created.ID, Patch{Status: &status})
	require.NoError(t, err)

	events := drainEvents(t, q)
	require.Len(t, events, 2, "no-op update still emits STORE_UPDATE_EVENT")
	assert.Equal(t, queue.EventStoreUpdate, events[1].Type)
}

func TestServiceDelete(t *testing.T) {
	service, q, _, statsSvc := newTestService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, testMessage("msg_gone", StatusCreated, time.Now().UTC()), nil)
	require.NoError(t, err)

	existed, err := service.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = service.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, existed)

	snap, err := statsSvc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, snap.Statuses[string(StatusCreated)])
	assert.EqualValues(t, 0, snap.Total)

	events := drainEvents(t, q)
	require.Len(t, events, 2)
	assert.Equal(t, queue.EventStoreDelete, events[1].Type)

	var data queue.StoreEventData
	require.NoError(t, json.Unmarshal(events[1].Data, &data))
	require.NotNil(t, data.Before)
	assert.Nil(t, data.After)
}

func TestServiceKVTotalMatchesRebuild(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client, err := db.NewRedis(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Client.Close() })

	logger := zap.NewNop()
	statsSvc := stats.NewKVService(client, logger)
	service := NewService(NewKVStore(client, logger), statsSvc, nil, queue.NewMemory(), logger)

	now := time.Now().UTC()
	_, err = service.Create(ctx, testMessage("msg_k1", StatusCreated, now), nil)
	require.NoError(t, err)
	_, err = service.Create(ctx, testMessage("msg_k2", StatusSent, now), &CreateOptions{PreserveTimestamps: true})
	require.NoError(t, err)

	snap, err := statsSvc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Total, "seeded creations count toward the total")

	// The rebuild must land on the same total the write path produced.
	require.NoError(t, statsSvc.Reset(ctx))
	require.NoError(t, service.ReinitializeStats(ctx))

	snap, err = statsSvc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Total)
	assert.EqualValues(t, 1, snap.Statuses[string(StatusCreated)])
	assert.EqualValues(t, 1, snap.Statuses[string(StatusSent)])
}

func TestServiceReinitializeStats(t *testing.T) {
	service, _, _, statsSvc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := service.Create(ctx, testMessage("msg_i1", StatusCreated, now), nil)
	require.NoError(t, err)
	_, err = service.Create(ctx, testMessage("msg_i2", StatusSent, now), &CreateOptions{PreserveTimestamps: true})
	require.NoError(t, err)

	// Wreck the projection, then rebuild from the store.
	require.NoError(t, statsSvc.Reset(ctx))
	require.NoError(t, service.ReinitializeStats(ctx))

	snap, err := statsSvc.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Statuses[string(StatusCreated)])
	assert.EqualValues(t, 1, snap.Statuses[string(StatusSent)])
	assert.EqualValues(t, 2, snap.Total)
}
