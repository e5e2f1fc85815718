// Package predictionpoll pulls model predictions from an HTTP endpoint on an
// interval, advancing a since= cursor.
package predictionpoll

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
)

const maxBodySize = 4 << 20

// Config holds configuration for the polling prediction source.
type Config struct {
	URL        string
	Interval   time.Duration
	Since      time.Time // initial cursor; zero starts at the first poll's wall clock
	Logger     ports.Logger
	HTTPClient *http.Client
}

// Source is a poll-based ports.EventSource. The endpoint must return the
// predictions with a timestamp strictly after since, as a JSON array.
type Source struct {
	url      *url.URL
	interval time.Duration
	cursor   time.Time
	logger   ports.Logger
	client   *http.Client
}

var _ ports.EventSource = (*Source)(nil)

// New creates a polling prediction source.
func New(cfg Config) (*Source, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for prediction poll source")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid prediction poll URL %q: %w", cfg.URL, ports.ErrConfigurationError)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Source{url: u, interval: cfg.Interval, cursor: cfg.Since.UTC(), logger: cfg.Logger, client: client}, nil
}

// Name implements ports.EventSource.
func (s *Source) Name() string { return "prediction-poll" }

// Run polls until ctx is canceled. Failed polls are logged and retried on the
// next interval without moving the cursor.
func (s *Source) Run(ctx context.Context, sink ports.EventSink) error {
	if s.cursor.IsZero() {
		s.cursor = time.Now().UTC()
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := s.Poll(ctx, sink); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.logger.Warn(ctx, "Prediction poll failed", ports.Fields{"url": s.url.Redacted(), "failures": failures, "error": err.Error()})
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches one batch and publishes the events newer than the cursor in
// timestamp order.
func (s *Source) Poll(ctx context.Context, sink ports.EventSink) error {
	u := *s.url
	q := u.Query()
	q.Set("since", s.cursor.Format(time.RFC3339Nano))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("building poll request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("polling predictions: %w: %w", ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polling predictions: unexpected status %d: %w", resp.StatusCode, ports.ErrExchangeUnavailable)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading poll response: %w", err)
	}

	events, decodeErr := domain.DecodePredictions(body)
	if decodeErr != nil && len(events) == 0 {
		return decodeErr
	}
	if decodeErr != nil {
		s.logger.Warn(ctx, "Discarding malformed predictions", ports.Fields{"error": decodeErr.Error()})
	}

	slices.SortStableFunc(events, func(a, b domain.PredictionEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	for _, ev := range events {
		if !ev.Timestamp.After(s.cursor) {
			continue
		}
		if err := sink.PublishPrediction(ctx, ev); err != nil {
			return fmt.Errorf("publishing prediction %s: %w", ev.EventID(), err)
		}
		s.cursor = ev.Timestamp
	}
	s.logger.Debug(ctx, "Prediction poll completed", ports.Fields{"events": len(events), "cursor": s.cursor})
	return nil
}

// Cursor returns the timestamp of the newest published prediction.
func (s *Source) Cursor() time.Time { return s.cursor }
