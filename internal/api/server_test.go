package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tutu-network/adrewards/internal/app/account"
	"github.com/tutu-network/adrewards/internal/infra/sqlite"
	"github.com/tutu-network/adrewards/internal/test/rewardstest"
)

// ─── Rewards API Tests ──────────────────────────────────────────────────────

const creativeID = "546fe7b0-5047-4f28-a11c-81f14edcf0f6"

var testSeed = base64.StdEncoding.EncodeToString(make([]byte, 32))

type testServer struct {
	handler http.Handler
	account *account.Account
	fake    *rewardstest.Server
	events  *EventHub
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t)
	fake := rewardstest.NewServer(t)
	acct := account.New(account.Deps{Store: db, Server: fake, Logger: logger}, account.DefaultConfig())
	require.NoError(t, acct.Load(context.Background()))

	hub := NewEventHub()
	acct.AddObserver(hub.Observe)
	srv := NewServer(acct, logger)
	srv.SetEventHub(hub)
	srv.EnableMetrics()
	return &testServer{handler: srv.Handler(), account: acct, fake: fake, events: hub}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

// ready installs a wallet, which fetches issuers and fills the token pool.
func (s *testServer) ready(t *testing.T) {
	t.Helper()
	w := s.do(t, http.MethodPut, "/api/wallet", `{"id":"wallet-1","seed":"`+testSeed+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s.account.MaybeGetIssuers(context.Background())
	w = s.do(t, http.MethodPut, "/api/creatives/"+creativeID, `{"value":0.05}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthAndVersion(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = s.do(t, http.MethodGet, "/api/version", "")
	assert.Equal(t, Version, decode(t, w)["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWallet_RoundTripHidesSeed(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPut, "/api/wallet", `{"id":"wallet-1","seed":"`+testSeed+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/wallet", "")
	resp := decode(t, w)
	assert.Equal(t, "wallet-1", resp["id"])
	assert.Equal(t, true, resp["valid"])
	assert.NotContains(t, w.Body.String(), testSeed)
}

func TestWallet_Invalid(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPut, "/api/wallet", `{"id":"wallet-1","seed":"short"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/wallet", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetEnabled(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPut, "/api/enabled", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.account.Enabled())

	w = s.do(t, http.MethodPut, "/api/enabled", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeposit(t *testing.T) {
	s := setupServer(t)
	s.ready(t)

	w := s.do(t, http.MethodPost, "/api/ads/deposit",
		`{"creative_instance_id":"`+creativeID+`","ad_type":"ad_notification","confirmation_type":"view"}`)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, true, resp["confirmed"])
	txn := resp["transaction"].(map[string]interface{})
	assert.Equal(t, 0.05, txn["value"])

	w = s.do(t, http.MethodGet, "/api/statement", "")
	require.Equal(t, http.StatusOK, w.Code)
	stmt := decode(t, w)
	assert.Equal(t, float64(1), stmt["ads_received_this_month"])
	assert.InDelta(t, 0.05, stmt["earnings_this_month"], 1e-9)

	w = s.do(t, http.MethodGet, "/api/transactions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestDeposit_Validation(t *testing.T) {
	s := setupServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing creative", `{"ad_type":"ad_notification","confirmation_type":"view"}`},
		{"unknown ad type", `{"creative_instance_id":"x","ad_type":"banner","confirmation_type":"view"}`},
		{"unknown confirmation type", `{"creative_instance_id":"x","ad_type":"ad_notification","confirmation_type":"purchase"}`},
		{"bad json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/ads/deposit", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestDeposit_NotConfirmed(t *testing.T) {
	s := setupServer(t)
	s.ready(t)
	s.fake.FailNext(1)

	w := s.do(t, http.MethodPost, "/api/ads/deposit",
		`{"creative_instance_id":"`+creativeID+`","ad_type":"ad_notification","confirmation_type":"view"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	w = s.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, float64(1), decode(t, w)["retry_queue_size"])
}

func TestSetCreative_Validation(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPut, "/api/creatives/"+creativeID, `{"value":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPut, "/api/creatives/"+creativeID, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTransactions_Range(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodGet, "/api/transactions?from=2020-01-01&to=2020-01-31", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(0), resp["count"])
	assert.Equal(t, []interface{}{}, resp["transactions"])

	w = s.do(t, http.MethodGet, "/api/transactions?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCaptchaSolved_Unknown(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPost, "/api/captcha/nope/solved", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestParseTimeParam(t *testing.T) {
	fallback := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := parseTimeParam("", fallback, true)
	require.NoError(t, err)
	assert.Equal(t, fallback, got)

	got, err = parseTimeParam("2020-11-18", time.Time{}, true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 11, 18, 23, 59, 59, 999999999, time.UTC), got)

	got, err = parseTimeParam("2020-11-18T10:00:00+01:00", time.Time{}, false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 11, 18, 9, 0, 0, 0, time.UTC), got)
}

// ─── Event Hub ──────────────────────────────────────────────────────────────

func TestEventHub_Observe(t *testing.T) {
	hub := NewEventHub()
	ch, unsub := hub.Subscribe()
	assert.Equal(t, 1, hub.ClientCount())

	hub.Observe(account.Event{Type: account.EventStatementChanged})

	select {
	case frame := <-ch:
		lines := strings.Split(strings.TrimSuffix(string(frame), "\n\n"), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, "id: 1", lines[0])
		assert.Equal(t, "event: statement_changed", lines[1])
		var e account.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &e))
		assert.Equal(t, account.EventStatementChanged, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	unsub()
	unsub()
	assert.Zero(t, hub.ClientCount())
}

func TestEventHub_Close(t *testing.T) {
	hub := NewEventHub()
	ch, unsub := hub.Subscribe()

	hub.Close()
	hub.Observe(account.Event{Type: account.EventStatementChanged})
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, hub.ClientCount())
}

func TestEventHub_SubscribeAfterClose(t *testing.T) {
	hub := NewEventHub()
	hub.Close()

	ch, unsub := hub.Subscribe()
	defer unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, hub.ClientCount())

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec := httptest.NewRecorder()
		hub.HandleEventsSSE(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event stream did not end after close")
	}
}

func TestEventHub_ReceivesAccountEvents(t *testing.T) {
	s := setupServer(t)
	ch, unsub := s.events.Subscribe()
	defer unsub()

	s.do(t, http.MethodPut, "/api/wallet", `{"id":"","seed":""}`)

	select {
	case data := <-ch:
		assert.Contains(t, string(data), string(account.EventInvalidWallet))
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}
