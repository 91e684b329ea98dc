package activator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"done-light/internal/audit"
	"done-light/internal/db"
	"done-light/internal/messages"
	"done-light/internal/queue"
	"done-light/internal/stats"
)

func newTestSetup(t *testing.T) (*Activator, *messages.Service) {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	database, err := db.NewSQL(ctx, dsn, "")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(ctx))
	t.Cleanup(func() { database.Close() })

	logger := zap.NewNop()
	store := messages.NewSQLStore(database, logger)
	service := messages.NewService(store, stats.NewSQLService(database, logger),
		audit.NewSQLStore(database, logger), queue.NewMemory(), logger)

	return New(service, logger), service
}

func seed(t *testing.T, service *messages.Service, id string, status messages.Status, publishAt time.Time) {
	t.Helper()
	msg := &messages.Message{
		ID: id,
		Payload: messages.Payload{
			Headers: messages.Headers{Forward: map[string]string{}, Command: map[string]string{}},
			URL:     "https://target.example/hook",
		},
		PublishAt: publishAt.UTC().Truncate(time.Second),
		Status:    status,
		CreatedAt: publishAt.UTC().Truncate(time.Second),
		UpdatedAt: publishAt.UTC().Truncate(time.Second),
	}
	_, err := service.Create(context.Background(), msg, &messages.CreateOptions{PreserveTimestamps: true})
	require.NoError(t, err)
}

func TestSweepPromotesTodaysCreated(t *testing.T) {
	activator, service := newTestSetup(t)
	ctx := context.Background()
	now := time.Now().UTC()
	noon := now.Truncate(24 * time.Hour).Add(12 * time.Hour)

	seed(t, service, "msg_today", messages.StatusCreated, noon)
	seed(t, service, "msg_tomorrow", messages.StatusCreated, noon.AddDate(0, 0, 1))
	seed(t, service, "msg_done", messages.StatusSent, noon)

	require.NoError(t, activator.Sweep(ctx, now))

	today, err := service.GetByID(ctx, "msg_today")
	require.NoError(t, err)
	assert.Equal(t, messages.StatusQueued, today.Status)

	tomorrow, err := service.GetByID(ctx, "msg_tomorrow")
	require.NoError(t, err)
	assert.Equal(t, messages.StatusCreated, tomorrow.Status, "future days wait for their own sweep")

	done, err := service.GetByID(ctx, "msg_done")
	require.NoError(t, err)
	assert.Equal(t, messages.StatusSent, done.Status, "non-CREATED messages are untouched")
}

func TestSweepIsIdempotent(t *testing.T) {
	activator, service := newTestSetup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed(t, service, "msg_once", messages.StatusCreated, now.Truncate(24*time.Hour).Add(12*time.Hour))

	require.NoError(t, activator.Sweep(ctx, now))
	require.NoError(t, activator.Sweep(ctx, now))

	msg, err := service.GetByID(ctx, "msg_once")
	require.NoError(t, err)
	assert.Equal(t, messages.StatusQueued, msg.Status)
}

func TestUntilNextMidnight(t *testing.T) {
	at := time.Date(2026, 8, 26, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Minute, untilNextMidnight(at))

	midnight := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, untilNextMidnight(midnight))
}
