package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/catalog"
	"github.com/anatoly-dev/lobby-sync/pkg/config"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(&config.CatalogConfig{
		BaseURL:        srv.URL + "/",
		PageSize:       20,
		RequestTimeout: 2 * time.Second,
	}, zaptest.NewLogger(t))
}

func TestClient_FetchGamesSendsFingerprintAndCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/games", r.URL.Path)
		assert.Equal(t, "limit=20&page=1&sort=popular&tag=hot&types=fish%2Cslots", r.URL.RawQuery)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(models.GamePage{
			Games: []models.Game{{ID: "g1", Name: "Ocean King", Types: []string{"fish"}}},
			Total: 1, Page: 1, Limit: 20, TotalPages: 1,
		})
	}))
	defer srv.Close()

	page, err := newTestClient(t, srv).FetchGames(context.Background(),
		models.CatalogFilter{Tag: "hot", Types: []string{"slots", "fish"}}, "secret")
	require.NoError(t, err)
	require.Len(t, page.Games, 1)
	assert.Equal(t, "g1", page.Games[0].ID)
	assert.Equal(t, 1, page.TotalPages)
}

func TestClient_FetchGamesUnwrapsDataEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"games":[],"total":0,"page":1,"limit":20,"totalPages":0}}`))
	}))
	defer srv.Close()

	page, err := newTestClient(t, srv).FetchGames(context.Background(), models.CatalogFilter{}, "")
	require.NoError(t, err)
	assert.NotNil(t, page.Games)
	assert.Equal(t, 0, page.Total)
}

func TestClient_FetchGamesNon2xxIsTypedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"upstream unavailable"}`))
	}))
	defer srv.Close()

	filter := models.CatalogFilter{Tag: "new"}
	_, err := newTestClient(t, srv).FetchGames(context.Background(), filter, "")
	require.Error(t, err)

	var fe *catalog.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
	assert.Equal(t, "upstream unavailable", fe.Message)
	assert.Equal(t, filter.Fingerprint(20), fe.Fingerprint)
	assert.True(t, fe.Retryable())
}

func TestClient_FetchGamesTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := newTestClient(t, srv)
	srv.Close()

	_, err := client.FetchGames(context.Background(), models.CatalogFilter{}, "")
	var fe *catalog.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 0, fe.StatusCode)
	assert.True(t, fe.Retryable())
}

func TestClient_FetchNotificationsAcceptsBothShapes(t *testing.T) {
	bodies := []string{
		`[{"id":"N1","type":"payment_received"}]`,
		`{"notifications":[{"id":"N1","type":"payment_received"}]}`,
		`{"data":[{"id":"N1","type":"payment_received"}]}`,
	}
	for _, body := range bodies {
		body := body
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/notifications", r.URL.Path)
			_, _ = w.Write([]byte(body))
		}))

		records, err := newTestClient(t, srv).FetchNotifications(context.Background(), "tok")
		srv.Close()

		require.NoError(t, err, body)
		require.Len(t, records, 1, body)
		assert.Equal(t, "N1", records[0]["id"])
	}
}

func TestClient_FetchNotificationsKeepsLargeIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1234567890123456789,"type":"payment_received","amount":12.5}]`))
	}))
	defer srv.Close()

	records, err := newTestClient(t, srv).FetchNotifications(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, json.Number("1234567890123456789"), records[0]["id"])
	assert.Equal(t, json.Number("12.5"), records[0]["amount"])
}

func TestClient_MarkNotificationsRead(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/notifications/read", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = body.IDs
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv).MarkNotificationsRead(context.Background(), "tok", []string{"W1", "W2"}))
	assert.Equal(t, []string{"W1", "W2"}, got)
}

func TestClient_MarkNotificationsReadSkipsEmpty(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv).MarkNotificationsRead(context.Background(), "tok", nil))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestClient_RateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"games":[]}`))
	}))
	defer srv.Close()

	client := NewClient(&config.CatalogConfig{
		BaseURL:        srv.URL,
		PageSize:       20,
		RequestTimeout: time.Second,
		RateLimit:      0.001,
		RateBurst:      1,
	}, zaptest.NewLogger(t))

	_, err := client.FetchGames(context.Background(), models.CatalogFilter{}, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.FetchGames(ctx, models.CatalogFilter{}, "")
	assert.Error(t, err)
}
