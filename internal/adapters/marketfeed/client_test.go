package marketfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradeguard/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: baseURL, Logger: &mockLogger{}, Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func TestClient_Snapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/snapshot", r.URL.Path)
		assert.Equal(t, "ETH-27DEC24-3500-C", r.URL.Query().Get("contract"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"contract": "ETH-27DEC24-3500-C",
			"mark_price": 0.71,
			"momentum": -0.02,
			"probability": 0.63,
			"seconds_to_expiry": 5400,
			"at": "2026-08-25T10:00:00Z"
		}`))
	}))
	defer srv.Close()

	snap, err := newClient(t, srv.URL).Snapshot(context.Background(), "ETH-27DEC24-3500-C")
	require.NoError(t, err)
	assert.Equal(t, "ETH-27DEC24-3500-C", snap.Contract)
	assert.InDelta(t, 0.71, snap.MarkPrice, 1e-9)
	assert.InDelta(t, 0.63, snap.Probability, 1e-9)
	assert.InDelta(t, 5400.0, snap.SecondsToExpiry, 1e-9)
	assert.False(t, snap.At.IsZero())
}

func TestClient_SnapshotUnknownContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown contract", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Snapshot(context.Background(), "NO-SUCH")
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestClient_SnapshotRejectsBadPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "probability out of range", body: `{"contract":"X","probability":1.5,"at":"2026-08-25T10:00:00Z"}`},
		{name: "missing timestamp", body: `{"contract":"X","probability":0.5}`},
		{name: "not json", body: `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newClient(t, srv.URL).Snapshot(context.Background(), "X")
			assert.Error(t, err)
		})
	}
}

func TestClient_SnapshotHonorsContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newClient(t, srv.URL).Snapshot(ctx, "X")
	assert.Error(t, err)
}
