package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/execution-engine/internal/config"
	"github.com/tradesim/execution-engine/internal/model"
	"github.com/tradesim/execution-engine/internal/pending"
	"github.com/tradesim/execution-engine/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newMemoryApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), config.Default(), quietLogger())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNew_InMemoryBackends(t *testing.T) {
	a := newMemoryApp(t)
	assert.IsType(t, &store.MemoryStore{}, a.Store)
	assert.IsType(t, &pending.MemoryIndex{}, a.Index)
}

func TestNew_BadRedisURL(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.RedisURL = "not-a-url"
	_, err := New(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestHandler_HealthAndCORS(t *testing.T) {
	h := newMemoryApp(t).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("OPTIONS", "/api/v1/orders", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_TickReachesRiskMonitor(t *testing.T) {
	a := newMemoryApp(t)
	h := a.Handler()
	post := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", path, strings.NewReader(body)))
		return w
	}

	require.Equal(t, http.StatusCreated, post("/api/v1/wallets", `{"user_id":"u1","initial_balance":"100000"}`).Code)
	require.Equal(t, http.StatusAccepted, post("/api/v1/ticks", `{"symbol":"INFY","exchange":"NSE","price":"100"}`).Code)

	w := post("/api/v1/orders", `{"user_id":"u1","symbol":"INFY","exchange":"NSE","category":"intraday","variant":"market","side":"buy","quantity":10}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var o model.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	require.Equal(t, http.StatusOK, post("/api/v1/orders/"+o.ID+"/execute", `{"user_id":"u1"}`).Code)

	// A 25% drop wipes out the 20% margin.
	require.Equal(t, http.StatusAccepted, post("/api/v1/ticks", `{"symbol":"INFY","exchange":"NSE","price":"75"}`).Code)

	open, err := a.Positions.ListOpen(context.Background(), store.PositionFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := a.Positions.List(context.Background(), store.PositionFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.SourceRiskMonitor, all[0].ClosedReason)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Port = "0"
	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(config.Logging{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = NewLogger(config.Logging{Level: "loud"}, &buf)
	assert.Error(t, err)
}
