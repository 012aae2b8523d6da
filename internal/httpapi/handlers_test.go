package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/waveline/bridge-gateway/internal/bridge"
	"github.com/waveline/bridge-gateway/internal/core"
	database "github.com/waveline/bridge-gateway/internal/db"
	"github.com/waveline/bridge-gateway/internal/history"
	"github.com/waveline/bridge-gateway/internal/httpapi"
	"github.com/waveline/bridge-gateway/internal/jobs"
	"github.com/waveline/bridge-gateway/internal/keystore"
	"github.com/waveline/bridge-gateway/internal/recovery"
	"github.com/waveline/bridge-gateway/internal/retry"
)

// bridgeStub fakes the external bridge session: accepting or rejecting sends,
// and answering availability probes.
type bridgeStub struct {
	mu     sync.Mutex
	reject bool
	sends  int
}

func (b *bridgeStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/send", func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.sends++
		if b.reject {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"source_id":"WA-%d"}`, b.sends)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/history/continue", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

type harness struct {
	router  http.Handler
	store   *core.Store
	backend *jobs.PostgresBackend
	engine  *jobs.Engine
	sweeper *recovery.Sweeper
	stub    *bridgeStub
	stubURL string
}

func startAPI(t *testing.T) *harness {
	pool := database.StartTestPostgres(t)
	log := zerolog.Nop()

	stub := &bridgeStub{}
	stubSrv := httptest.NewServer(stub.handler())
	t.Cleanup(stubSrv.Close)

	store := core.NewStore(pool)
	ks := keystore.NewPostgres(pool)
	backend := jobs.NewPostgresBackend(pool)
	client := bridge.NewHTTPClient(log, bridge.Options{QPS: 1000, Burst: 10})

	dispatcher := retry.NewDispatcher(store, client, ks, ks, backend, log)
	sweeper := recovery.NewSweeper(store, client, ks, ks, backend, log)
	ingester := history.NewIngester(store, ks, ks, client, log)

	engine := jobs.NewEngine(backend, log, jobs.Options{})
	dispatcher.Register(engine)
	sweeper.Register(engine)
	ingester.Register(engine)

	srv := httpapi.NewServer(pool, dispatcher, sweeper, backend, log)
	return &harness{
		router:  srv.Router(),
		store:   store,
		backend: backend,
		engine:  engine,
		sweeper: sweeper,
		stub:    stub,
		stubURL: stubSrv.URL,
	}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, r)
	return w
}

// runJobs claims and executes queued jobs until the queue drains, like one
// pass of the worker process.
func (h *harness) runJobs(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		claimed, err := h.backend.Claim(context.Background(), 50)
		require.NoError(t, err)
		if len(claimed) == 0 {
			return
		}
		for _, j := range claimed {
			h.engine.Execute(context.Background(), j)
		}
	}
	t.Fatal("job queue did not drain")
}

func (h *harness) createChannel(t *testing.T) string {
	t.Helper()
	body := fmt.Sprintf(`{
		"phone_number": "+5511999990000",
		"provider": "bridge",
		"config": {"base_url": %q, "sync_contacts": true, "sync_full_history": true}
	}`, h.stubURL)
	w := h.do(t, "POST", "/channels", body)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp["id"]
}

func (h *harness) seedConversation(t *testing.T, channelID string) string {
	t.Helper()
	ctx := context.Background()
	contactID, err := h.store.UpsertContact(ctx, channelID, "5511888880000", "+5511888880000", "Alice")
	require.NoError(t, err)
	ch, err := h.store.FindChannel(ctx, channelID)
	require.NoError(t, err)
	convID, err := h.store.ResolveConversation(ctx, ch, contactID)
	require.NoError(t, err)
	return convID
}

func TestPostMessageDeliveredThroughWorker(t *testing.T) {
	h := startAPI(t)
	channelID := h.createChannel(t)
	convID := h.seedConversation(t, channelID)

	w := h.do(t, "POST", "/conversations/"+convID+"/messages", `{"body":"hello"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	msgID := resp["id"]

	// Accepted but not yet sent.
	w = h.do(t, "GET", "/messages/"+msgID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var msg core.OutboundMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	require.Equal(t, core.StatusPending, msg.Status)

	h.runJobs(t)

	w = h.do(t, "GET", "/messages/"+msgID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	require.Equal(t, core.StatusSent, msg.Status)
	require.Equal(t, 1, msg.Attempt.RetryCount)
	require.Equal(t, "WA-1", msg.SourceID)
	require.Equal(t, 1, h.stub.sends)
}

func TestStatusWebhookAppliesReceipts(t *testing.T) {
	h := startAPI(t)
	channelID := h.createChannel(t)
	convID := h.seedConversation(t, channelID)

	w := h.do(t, "POST", "/webhooks/00000000-0000-0000-0000-000000000000/status", `{"updates":[]}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, "POST", "/conversations/"+convID+"/messages", `{"body":"hello"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	msgID := resp["id"]
	h.runJobs(t)

	// One applicable receipt among noise: unknown ids and non-confirming
	// codes are skipped, not errors.
	w = h.do(t, "POST", "/webhooks/"+channelID+"/status", `{"updates":[
		{"id": "WA-1", "status": "DELIVERY_ACK"},
		{"id": "WA-1", "status": "PENDING"},
		{"id": "WA-nope", "status": "READ"},
		{"id": "", "status": "READ"}
	]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, 1, out["applied"])

	m, err := h.store.FindOutbound(context.Background(), msgID)
	require.NoError(t, err)
	require.Equal(t, core.StatusDelivered, m.Status)

	// A read receipt still advances; a repeated delivery ack no longer does.
	w = h.do(t, "POST", "/webhooks/"+channelID+"/status", `{"updates":[
		{"id": "WA-1", "status": "READ"},
		{"id": "WA-1", "status": "DELIVERY_ACK"}
	]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, 1, out["applied"])

	m, err = h.store.FindOutbound(context.Background(), msgID)
	require.NoError(t, err)
	require.Equal(t, core.StatusRead, m.Status)
}

// A message the bridge confirmed must not reach the bridge again, even if a
// resubmission pass runs right after.
func TestConfirmedMessageNotResentByResubmission(t *testing.T) {
	h := startAPI(t)
	channelID := h.createChannel(t)
	convID := h.seedConversation(t, channelID)

	w := h.do(t, "POST", "/conversations/"+convID+"/messages", `{"body":"once"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	h.runJobs(t)
	require.Equal(t, 1, h.stub.sends)

	w = h.do(t, "POST", "/webhooks/"+channelID+"/status", `{"updates":[{"id":"WA-1","status":"DELIVERY_ACK"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.sweeper.ResubmitStuck(context.Background(), channelID))
		h.runJobs(t)
	}
	require.Equal(t, 1, h.stub.sends)
}

func TestPostMessageValidation(t *testing.T) {
	h := startAPI(t)
	channelID := h.createChannel(t)
	convID := h.seedConversation(t, channelID)

	w := h.do(t, "POST", "/conversations/"+convID+"/messages", `{"body":""}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, "POST", "/conversations/00000000-0000-0000-0000-000000000000/messages", `{"body":"x"}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, "GET", "/messages/00000000-0000-0000-0000-000000000000", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistorySyncWebhookIngests(t *testing.T) {
	h := startAPI(t)
	channelID := h.createChannel(t)

	payload := `{
		"contacts": [{"id": "5511888880000@s.whatsapp.net", "name": "Alice"}],
		"messages": [{
			"key": {"id": "3EB0AAA", "remoteJid": "5511888880000@s.whatsapp.net", "fromMe": false},
			"message": {"conversation": "hi there"},
			"messageTimestamp": 1700000000,
			"status": "DELIVERY_ACK"
		}]
	}`
	w := h.do(t, "POST", "/webhooks/"+channelID+"/history-sync", payload)
	require.Equal(t, http.StatusAccepted, w.Code)

	h.runJobs(t)

	exists, err := h.store.MessageExists(context.Background(), "3EB0AAA")
	require.NoError(t, err)
	require.True(t, exists)

	c, err := h.store.FindContactBySource(context.Background(), channelID, "5511888880000")
	require.NoError(t, err)
	require.Equal(t, "Alice", c.Name)

	// Redelivery of the same webhook stays idempotent.
	w = h.do(t, "POST", "/webhooks/"+channelID+"/history-sync", payload)
	require.Equal(t, http.StatusAccepted, w.Code)
	h.runJobs(t)

	var n int
	err = h.store.DB.QueryRow(context.Background(), `SELECT count(*) FROM messages WHERE source_id='3EB0AAA'`).Scan(&n)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHistorySyncWebhookValidation(t *testing.T) {
	h := startAPI(t)
	channelID := h.createChannel(t)

	w := h.do(t, "POST", "/webhooks/00000000-0000-0000-0000-000000000000/history-sync", `{}`)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, "POST", "/webhooks/"+channelID+"/history-sync", `{not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFailedStatsEndpoints(t *testing.T) {
	h := startAPI(t)
	channelID := h.createChannel(t)
	convID := h.seedConversation(t, channelID)

	w := h.do(t, "GET", "/channels/"+channelID+"/failed-stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st recovery.ChannelStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Zero(t, st.FailedCount)

	// Empty aggregate omits the channel entirely.
	w = h.do(t, "GET", "/failed-stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var agg struct {
		Channels []recovery.ChannelStats `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agg))
	require.Empty(t, agg.Channels)

	// A message that keeps getting rejected ends up parked and counted.
	h.stub.reject = true
	w = h.do(t, "POST", "/conversations/"+convID+"/messages", `{"body":"doomed"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// Force the backoff retries due immediately so one worker pass drains
	// all three attempts.
	for i := 0; i < 3; i++ {
		h.runJobs(t)
		_, err := h.store.DB.Exec(context.Background(), `UPDATE scheduled_jobs SET run_at=now()`)
		require.NoError(t, err)
	}

	w = h.do(t, "GET", "/channels/"+channelID+"/failed-stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	require.Equal(t, 1, st.FailedCount)
	require.NotNil(t, st.OldestFailed)

	w = h.do(t, "GET", "/failed-stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agg))
	require.Len(t, agg.Channels, 1)
	require.Equal(t, channelID, agg.Channels[0].ChannelID)

	m, err := h.store.FindOutbound(context.Background(), resp["id"])
	require.NoError(t, err)
	require.Equal(t, core.StatusFailed, m.Status)
	require.Equal(t, 3, m.Attempt.RetryCount)
}

func TestHealthEndpoints(t *testing.T) {
	h := startAPI(t)
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/healthz", "").Code)
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/readyz", "").Code)
}
