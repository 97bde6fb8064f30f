package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthsync/config"
	"depthsync/internal/metrics"
	"depthsync/internal/orderbook"
	"depthsync/logger"
	"depthsync/models"
)

func quietLogger() *logger.Log {
	log := logger.New()
	log.SetOutput(&bytes.Buffer{})
	return log
}

func testServer(t *testing.T) (*Server, *orderbook.Book) {
	t.Helper()
	var bids, asks []models.PriceLevel
	for _, p := range []string{"100.1", "100.0", "99.9"} {
		bids = append(bids, models.PriceLevel{Price: decimal.RequireFromString(p), Quantity: decimal.NewFromInt(1)})
	}
	for _, p := range []string{"100.2", "100.3"} {
		asks = append(asks, models.PriceLevel{Price: decimal.RequireFromString(p), Quantity: decimal.NewFromInt(2)})
	}
	book := orderbook.New()
	require.NoError(t, book.Replace(bids, asks, 1010))

	m := metrics.New()
	m.ObserveDiff("applied")
	srv := NewServer(config.APIConfig{Enabled: true, Address: ":0"}, Deps{
		Symbol:  "BTCUSDT",
		Book:    book,
		Status:  func() interface{} { return map[string]interface{}{"state": "synced"} },
		Metrics: m.Handler(),
	}, quietLogger())
	require.NotNil(t, srv)
	return srv, book
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestDisabledServerIsNil(t *testing.T) {
	srv := NewServer(config.APIConfig{Enabled: false}, Deps{}, quietLogger())
	assert.Nil(t, srv)
	assert.Empty(t, srv.Address())
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","synced":true}`, rec.Body.String())
}

func TestBookTop(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv.Handler(), "/book/top")
	require.Equal(t, http.StatusOK, rec.Code)

	var tob models.TopOfBook
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tob))
	assert.Equal(t, "BTCUSDT", tob.Symbol)
	assert.True(t, tob.Bid.Price.Equal(decimal.RequireFromString("100.1")))
	assert.True(t, tob.Ask.Price.Equal(decimal.RequireFromString("100.2")))
	assert.Equal(t, uint64(1010), tob.LastUpdateID)
	assert.True(t, tob.Synced)
}

func TestBookDepth(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv.Handler(), "/book/depth?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Bids []models.PriceLevel `json:"bids"`
		Asks []models.PriceLevel `json:"asks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Bids, 2)
	assert.True(t, body.Bids[0].Price.Equal(decimal.RequireFromString("100.1")))
	assert.True(t, body.Bids[1].Price.Equal(decimal.RequireFromString("100.0")))
	require.Len(t, body.Asks, 2)
}

func TestResetBookReportsUnsynced(t *testing.T) {
	srv, book := testServer(t)
	book.Reset()

	rec := get(t, srv.Handler(), "/healthz")
	assert.JSONEq(t, `{"status":"ok","synced":false}`, rec.Body.String())

	rec = get(t, srv.Handler(), "/book/depth")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Synced       bool                `json:"synced"`
		LastUpdateID uint64              `json:"last_update_id"`
		Bids         []models.PriceLevel `json:"bids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Synced)
	assert.Zero(t, body.LastUpdateID)
	assert.Empty(t, body.Bids)
}

func TestBookDepthRejectsBadLimit(t *testing.T) {
	srv, _ := testServer(t)
	for _, q := range []string{"0", "-3", "abc", "5000"} {
		rec := get(t, srv.Handler(), "/book/depth?limit="+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", q)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	srv, _ := testServer(t)
	rec := get(t, srv.Handler(), "/status")
	assert.JSONEq(t, `{"state":"synced"}`, rec.Body.String())

	rec = get(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "depthsync_diffs_total")
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                     "0.0.0.0:8080",
		"  :9090  ":            "0.0.0.0:9090",
		"localhost":            "localhost:8080",
		"0.0.0.0:80":           "0.0.0.0:80",
		"[::1]:443":            "[::1]:443",
		"::1":                  "[::1]:8080",
		"*:8080":               "0.0.0.0:8080",
		"http://10.0.0.5:8080": "10.0.0.5:8080",
		"tcp://localhost:5050": "localhost:5050",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}
