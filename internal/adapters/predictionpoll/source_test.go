package predictionpoll

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type recordingSink struct {
	mu    sync.Mutex
	preds []domain.PredictionEvent
}

func (s *recordingSink) PublishPrediction(ctx context.Context, ev domain.PredictionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preds = append(s.preds, ev)
	return nil
}

func (s *recordingSink) PublishPrice(tick domain.PriceTick) error { return nil }

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.preds)
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	_, err := New(Config{URL: "http://x"})
	assert.Error(t, err)
	_, err = New(Config{URL: "not a url", Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestSource_PollAdvancesCursor(t *testing.T) {
	var mu sync.Mutex
	var sinces []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinces = append(sinces, r.URL.Query().Get("since"))
		mu.Unlock()
		// Unsorted, with one stale entry the cursor already covers.
		fmt.Fprintf(w, `[
			{"model_id":"7","asset":"BONK","probability":0.9,"timestamp":%q},
			{"model_id":"7","asset":"BONK","probability":0.8,"timestamp":%q},
			{"model_id":"3","asset":"BONK","probability":0.1,"timestamp":%q}
		]`, t0.Add(2*time.Second).Format(time.RFC3339), t0.Add(time.Second).Format(time.RFC3339), t0.Format(time.RFC3339))
	}))
	defer srv.Close()

	src, err := New(Config{URL: srv.URL + "/predictions?feed=main", Since: t0, Logger: &mockLogger{}})
	require.NoError(t, err)

	sink := &recordingSink{}
	require.NoError(t, src.Poll(context.Background(), sink))
	require.Len(t, sink.preds, 2)
	assert.Equal(t, 0.8, sink.preds[0].Probability)
	assert.Equal(t, 0.9, sink.preds[1].Probability)
	assert.Equal(t, t0.Add(2*time.Second), src.Cursor())

	// Same payload again publishes nothing new.
	require.NoError(t, src.Poll(context.Background(), sink))
	assert.Len(t, sink.preds, 2)

	require.Len(t, sinces, 2)
	assert.Equal(t, t0.Format(time.RFC3339Nano), sinces[0])
	assert.Equal(t, t0.Add(2*time.Second).Format(time.RFC3339Nano), sinces[1])
}

func TestSource_PollErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusBadGateway, `oops`, ports.ErrExchangeUnavailable},
		{"malformed body", http.StatusOK, `{{`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			src, err := New(Config{URL: srv.URL, Since: t0, Logger: &mockLogger{}})
			require.NoError(t, err)
			err = src.Poll(context.Background(), &recordingSink{})
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, t0, src.Cursor())
		})
	}
}

func TestSource_RunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"model_id":"7","asset":"BONK","probability":0.9,"timestamp":%q}]`, time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano))
	}))
	defer srv.Close()

	src, err := New(Config{URL: srv.URL, Interval: 5 * time.Millisecond, Logger: &mockLogger{}})
	require.NoError(t, err)

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, sink) }()

	require.Eventually(t, func() bool { return sink.len() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
