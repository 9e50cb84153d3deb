package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/triggerhost/internal/auth"
	"github.com/mattjoyce/triggerhost/internal/dispatch"
	"github.com/mattjoyce/triggerhost/internal/events"
	"github.com/mattjoyce/triggerhost/internal/objstore"
	"github.com/mattjoyce/triggerhost/internal/queue"
	"github.com/mattjoyce/triggerhost/internal/router"
	"github.com/mattjoyce/triggerhost/internal/storage"
	"github.com/mattjoyce/triggerhost/internal/trigger"
)

const adminKey = "admin-key"

type countingInvoker struct {
	mu    sync.Mutex
	paths []string
}

func (c *countingInvoker) Invoke(_ context.Context, cand router.Candidate, _ *trigger.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, cand.Path)
	return nil
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) (uint64, error) {
	p.subject, p.data = subject, data
	return 42, nil
}

type testServer struct {
	srv     *Server
	store   *objstore.Store
	queue   *queue.Queue
	history *dispatch.History
	invoker *countingInvoker
	hub     *events.Hub
	bus     *fakePublisher
}

func newTestServer(t *testing.T, tokens ...auth.TokenConfig) *testServer {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{
		store:   objstore.New(db),
		queue:   queue.New(db),
		history: dispatch.NewHistory(db),
		invoker: &countingInvoker{},
		hub:     events.NewHub(64),
		bus:     &fakePublisher{},
	}
	rt := router.New(ts.store, ts.invoker, ts.hub, logger)
	d, err := trigger.NewObject("thumbnail", "images/{name}.png", "thumbs/{name}.png")
	require.NoError(t, err)
	require.NoError(t, rt.RegisterTrigger(d))
	require.NoError(t, rt.RegisterTrigger(trigger.NewQueue("orders", "orders")))

	keyring, err := auth.NewKeyring(adminKey, tokens)
	require.NoError(t, err)
	ts.srv = New(Config{Keyring: keyring}, Deps{
		Objects: ts.store,
		Queue:   ts.queue,
		Router:  rt,
		History: ts.history,
		Bus:     ts.bus,
		Events:  ts.hub,
	}, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Triggers)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/triggers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/triggers", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScopedTokens(t *testing.T) {
	ts := newTestServer(t,
		auth.TokenConfig{Token: "reader", Scopes: []string{"objects:ro"}},
		auth.TokenConfig{Token: "writer", Scopes: []string{"objects:rw"}},
	)

	rec := ts.do(t, http.MethodPut, "/objects/images/a.txt", "reader", []byte("a"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPut, "/objects/images/a.txt", "writer", []byte("a"))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/objects/images/a.txt", "reader", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/notify", "writer", []byte(`{"path":"images/a.txt"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPutAndGetObject(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/objects/images/deep/cat.png", strings.NewReader("png-bytes"))
	req.Header.Set("Authorization", "Bearer "+adminKey)
	req.Header.Set("Content-Type", "image/png")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var obj ObjectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obj))
	assert.Equal(t, "images", obj.Container)
	assert.Equal(t, "deep/cat.png", obj.Name)
	assert.EqualValues(t, len("png-bytes"), obj.Size)
	assert.NotEmpty(t, obj.ETag)

	rec = ts.do(t, http.MethodGet, "/objects/images/deep/cat.png", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, obj.ETag, rec.Header().Get("ETag"))

	rec = ts.do(t, http.MethodGet, "/objects/images/missing.png", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotifyDispatchesThroughRouter(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.store.Put(context.Background(), "images", "cat.png", []byte("x"), "")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/notify", adminKey, []byte(`{"container":"images","name":"cat.png"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp NotifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Invoked)
	assert.Equal(t, []string{"images/cat.png"}, ts.invoker.paths)

	// Unmatched paths are accepted with nothing invoked.
	rec = ts.do(t, http.MethodPost, "/notify", adminKey, []byte(`{"path":"other/cat.png"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Invoked)
}

func TestNotifyRejectsBadHints(t *testing.T) {
	ts := newTestServer(t)
	for _, body := range []string{`not json`, `{"container":"images"}`, `{"path":"nosep"}`} {
		rec := ts.do(t, http.MethodPost, "/notify", adminKey, []byte(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestEnqueueAndStats(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/queues/Orders/messages", adminKey, []byte(`{"id":1}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "orders", resp.Queue)
	assert.NotEmpty(t, resp.MessageID)

	rec = ts.do(t, http.MethodPost, "/queues/orders/messages?delay=bogus", adminKey, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/queues", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats []QueueStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "orders", stats[0].Queue)
	assert.Equal(t, 1, stats[0].Visible)
}

func TestPublishToBus(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/bus/orders.created", adminKey, []byte("payload"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp PublishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(42), resp.Sequence)
	assert.Equal(t, "orders.created", ts.bus.subject)
	assert.Equal(t, "payload", string(ts.bus.data))
}

func TestListTriggers(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/triggers", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []TriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Contains(t, out, TriggerResponse{
		Function: "thumbnail",
		Kind:     string(trigger.KindObject),
		Input:    "images/{name}.png",
		Outputs:  []string{"thumbs/{name}.png"},
	})
	assert.Contains(t, out, TriggerResponse{Function: "orders", Kind: string(trigger.KindQueue), Source: "orders"})
}

func TestInvocations(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/invocations", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	now := time.Now().UTC()
	require.NoError(t, ts.history.Record(context.Background(), dispatch.Invocation{
		ID: "inv-1", Function: "thumbnail", TriggerKind: "object", Subject: "images/cat.png",
		Status: dispatch.StatusSucceeded, StartedAt: now, CompletedAt: now,
	}))

	rec = ts.do(t, http.MethodGet, "/invocations?function=thumbnail&limit=5", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var invs []dispatch.Invocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &invs))
	require.Len(t, invs, 1)
	assert.Equal(t, "inv-1", invs[0].ID)

	rec = ts.do(t, http.MethodGet, "/invocations?limit=0", adminKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpenAPIListsQueueTriggers(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/openapi.json", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/queues/orders/messages")
	assert.Contains(t, paths, "/notify")
}

func TestEventsReplayAndStream(t *testing.T) {
	ts := newTestServer(t)
	first := ts.hub.Publish(events.ObjectCandidate, map[string]any{"path": "images/a.png"})

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (id, typ string) {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case line == "" && id != "":
				return id, typ
			}
		}
	}

	id, typ := readEvent()
	assert.Equal(t, events.ObjectCandidate, typ)
	assert.Equal(t, first.ID, mustParseInt(t, id))

	assert.Eventually(t, func() bool { return ts.hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	ts.hub.Publish(events.TriggerInvoked, map[string]any{"function": "thumbnail"})
	_, typ = readEvent()
	assert.Equal(t, events.TriggerInvoked, typ)
}

func TestParseEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseEventID(""))
	assert.Equal(t, int64(0), parseEventID("abc"))
	assert.Equal(t, int64(0), parseEventID("-3"))
	assert.Equal(t, int64(17), parseEventID("17"))
}

func mustParseInt(t *testing.T, s string) int64 {
	t.Helper()
	n := parseEventID(s)
	require.NotZero(t, n)
	return n
}

func TestSSEStreamSkipsReplayedIDs(t *testing.T) {
	var buf strings.Builder
	stream := &sseStream{w: &buf, lastID: 2}

	require.NoError(t, stream.send(events.Event{ID: 2, Type: events.ListenerPoll, Data: []byte(`{}`)}))
	require.NoError(t, stream.send(events.Event{ID: 3, Type: events.TriggerFailed, Data: []byte(`{"function":"f"}`)}))

	assert.Equal(t, "id: 3\nevent: trigger.failed\ndata: {\"function\":\"f\"}\n\n", buf.String())
	assert.Equal(t, int64(3), stream.lastID)
}

func TestEventsTypeFilter(t *testing.T) {
	ts := newTestServer(t)
	ts.hub.Publish(events.ListenerPoll, nil)
	want := ts.hub.Publish(events.TriggerFailed, map[string]any{"function": "thumbnail"})

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/events?types=trigger.&last_event_id=0", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("id: %d\n", want.ID), line)
}
