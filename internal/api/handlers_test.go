package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"done-light/internal/audit"
	"done-light/internal/auth"
	"done-light/internal/db"
	"done-light/internal/delivery"
	"done-light/internal/messages"
	"done-light/internal/queue"
	"done-light/internal/state"
	"done-light/internal/stats"
)

const testToken = "test-token"

type testAPI struct {
	app     *fiber.App
	service *messages.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	database, err := db.NewSQL(ctx, dsn, "")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(ctx))
	t.Cleanup(func() { database.Close() })

	logger := zap.NewNop()
	store := messages.NewSQLStore(database, logger)
	statsSvc := stats.NewSQLService(database, logger)
	auditLog := audit.NewSQLStore(database, logger)
	q := queue.NewMemory()
	service := messages.NewService(store, statsSvc, auditLog, q, logger)

	// Ingress only enqueues; a running state manager turns MESSAGE_RECEIVED
	// into rows the read endpoints can see. Everything submitted here is
	// scheduled days out, so the worker never fires.
	manager := state.NewManager(service, q, delivery.NewWorker(logger, nil), logger, nil)
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go manager.Run(runCtx)

	token, err := auth.NewToken(testToken, logger)
	require.NoError(t, err)

	app := fiber.New()
	handlers := NewHandlers(logger, service, statsSvc, auditLog, q)
	SetupRoutes(app, logger, nil, handlers, token, false)

	return &testAPI{app: app, service: service}
}

func (a *testAPI) request(t *testing.T, method, path string, body io.Reader, authorized bool) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := a.app.Test(req, 5000)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestPingIsPublic(t *testing.T) {
	a := newTestAPI(t)
	resp := a.request(t, "GET", "/v1/system/ping", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPI(t)

	resp := a.request(t, "GET", "/v1/system/health", nil, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/v1/system/health", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	wrong, err := a.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, wrong.StatusCode)

	ok := a.request(t, "GET", "/v1/system/health", nil, true)
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestCreateMessage(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest("POST", "/v1/messages/https://target.example/hook",
		strings.NewReader(`{"order":42}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Done-Delay", "5s")

	resp, err := a.app.Test(req, 5000)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID        string `json:"id"`
		PublishAt string `json:"publish_at"`
	}
	decodeBody(t, resp, &created)
	assert.True(t, strings.HasPrefix(created.ID, "msg_"))

	publishAt, err := time.Parse(time.RFC3339, created.PublishAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Second), publishAt, 2*time.Second)
}

func TestCreateMessageRejectsBadJSON(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest("POST", "/v1/messages/https://target.example/hook",
		strings.NewReader(`{broken`))
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := a.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateMessageRejectsBadDelay(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest("POST", "/v1/messages/https://target.example/hook", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Done-Delay", "five minutes")

	resp, err := a.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateThenGetRoundTrip(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest("POST", "/v1/messages/https://target.example/hook?k=v",
		strings.NewReader(`{"n":1}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Done-Forward-X-Tenant", "acme")
	// Two days out keeps the message in CREATED, no delivery attempt.
	req.Header.Set("Done-Not-Before", fmt.Sprintf("%d", time.Now().AddDate(0, 0, 2).Unix()))

	resp, err := a.app.Test(req, 5000)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)

	var fetched *messages.Message
	require.Eventually(t, func() bool {
		getResp := a.request(t, "GET", "/v1/messages/"+created.ID, nil, true)
		if getResp.StatusCode != http.StatusOK {
			getResp.Body.Close()
			return false
		}
		decodeBody(t, getResp, &fetched)
		return true
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, "https://target.example/hook?k=v", fetched.Payload.URL)
	assert.Equal(t, "acme", fetched.Payload.Headers.Forward["x-tenant"])
	assert.Equal(t, messages.StatusCreated, fetched.Status)
	assert.JSONEq(t, `{"n":1}`, string(fetched.Payload.Data))
}

func TestGetUnknownMessage(t *testing.T) {
	a := newTestAPI(t)
	resp := a.request(t, "GET", "/v1/messages/msg_missing", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListByStatus(t *testing.T) {
	a := newTestAPI(t)
	seedMessage(t, a.service, "msg_a", messages.StatusQueued)
	seedMessage(t, a.service, "msg_b", messages.StatusSent)

	resp := a.request(t, "GET", "/v1/messages/by-status/QUEUED", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []*messages.Message
	decodeBody(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "msg_a", list[0].ID)

	empty := a.request(t, "GET", "/v1/messages/by-status/DLQ", nil, true)
	var none []*messages.Message
	decodeBody(t, empty, &none)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestListByUnknownStatus(t *testing.T) {
	a := newTestAPI(t)
	resp := a.request(t, "GET", "/v1/messages/by-status/BOGUS", nil, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminStats(t *testing.T) {
	a := newTestAPI(t)
	seedMessage(t, a.service, "msg_a", messages.StatusQueued)

	resp := a.request(t, "GET", "/v1/admin/stats", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot stats.Snapshot
	decodeBody(t, resp, &snapshot)
	assert.EqualValues(t, 1, snapshot.Total)
	assert.EqualValues(t, 1, snapshot.Statuses[string(messages.StatusQueued)])
}

func TestAdminLogs(t *testing.T) {
	a := newTestAPI(t)
	seedMessage(t, a.service, "msg_a", messages.StatusCreated)

	resp := a.request(t, "GET", "/v1/admin/logs", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []*audit.Entry
	decodeBody(t, resp, &entries)
	require.NotEmpty(t, entries)
	assert.Equal(t, "msg_a", entries[0].MessageID)

	byMsg := a.request(t, "GET", "/v1/admin/log/msg_a", nil, true)
	require.Equal(t, http.StatusOK, byMsg.StatusCode)
	var msgEntries []*audit.Entry
	decodeBody(t, byMsg, &msgEntries)
	assert.Len(t, msgEntries, 1)
}

func TestAdminRaw(t *testing.T) {
	a := newTestAPI(t)
	seedMessage(t, a.service, "msg_a", messages.StatusCreated)

	resp := a.request(t, "GET", "/v1/admin/raw/messages", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bogus := a.request(t, "GET", "/v1/admin/raw/nope", nil, true)
	assert.Equal(t, http.StatusBadRequest, bogus.StatusCode)
}

func TestAdminReset(t *testing.T) {
	a := newTestAPI(t)
	seedMessage(t, a.service, "msg_a", messages.StatusCreated)

	protected := a.request(t, "DELETE", "/v1/admin/reset/migrations", nil, true)
	assert.Equal(t, http.StatusBadRequest, protected.StatusCode)

	resp := a.request(t, "DELETE", "/v1/admin/reset/messages", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "messages", body["reset"])

	gone := a.request(t, "GET", "/v1/messages/msg_a", nil, true)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func seedMessage(t *testing.T, service *messages.Service, id string, status messages.Status) {
	t.Helper()
	msg := &messages.Message{
		ID: id,
		Payload: messages.Payload{
			Headers: messages.Headers{Forward: map[string]string{}, Command: map[string]string{}},
			URL:     "https://target.example/hook",
		},
		PublishAt: time.Now().UTC().AddDate(0, 0, 2).Truncate(time.Second),
		Status:    status,
	}
	_, err := service.Create(context.Background(), msg, nil)
	require.NoError(t, err)
}
