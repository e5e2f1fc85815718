// Package predictionws receives model predictions pushed over a WebSocket.
package predictionws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
	"workflowTrader/internal/utils"

	"github.com/gorilla/websocket"
)

const maxMessageSize = 1 << 20

// Config holds configuration for the WebSocket prediction source.
type Config struct {
	URL                  string
	Header               http.Header // sent on every dial, e.g. an auth token
	Logger               ports.Logger
	ReconnectDelay       time.Duration // base delay, doubled per failed attempt
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int           // consecutive failed dials before giving up; 0 retries forever
	ReadTimeout          time.Duration // no message or pong within this window forces a reconnect
	PingInterval         time.Duration
	Dialer               *websocket.Dialer
}

// Source is a push-based ports.EventSource.
type Source struct {
	cfg    Config
	logger ports.Logger
	dialer *websocket.Dialer
}

var _ ports.EventSource = (*Source)(nil)

// New creates a WebSocket prediction source.
func New(cfg Config) (*Source, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for prediction websocket source")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("prediction websocket URL is required: %w", ports.ErrConfigurationError)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = time.Minute
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout / 3
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Source{cfg: cfg, logger: cfg.Logger, dialer: dialer}, nil
}

// Name implements ports.EventSource.
func (s *Source) Name() string { return "prediction-ws" }

// Run keeps a connection open and publishes every decoded prediction into sink,
// reconnecting with exponential backoff. It returns nil when ctx is canceled.
func (s *Source) Run(ctx context.Context, sink ports.EventSink) error {
	fields := ports.Fields{"url": s.cfg.URL}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			if s.cfg.MaxReconnectAttempts > 0 && attempt >= s.cfg.MaxReconnectAttempts {
				err = fmt.Errorf("dialing %s after %d attempts: %w: %w", s.cfg.URL, attempt, ports.ErrConnectionFailed, err)
				s.logger.Error(ctx, err, "Prediction stream giving up", fields)
				return err
			}
			s.logger.Warn(ctx, "Prediction stream dial failed", ports.Fields{"url": s.cfg.URL, "attempt": attempt, "error": err.Error()})
			if !utils.Sleep(ctx, utils.Backoff(s.cfg.ReconnectDelay, attempt, s.cfg.MaxReconnectDelay)) {
				return nil
			}
			continue
		}

		attempt = 0
		s.logger.Info(ctx, "Prediction stream connected", fields)
		err = s.consume(ctx, conn, sink)
		if ctx.Err() != nil {
			s.logger.Info(ctx, "Prediction stream stopped", fields)
			return nil
		}
		s.logger.Warn(ctx, "Prediction stream disconnected. Reconnecting...", ports.Fields{"url": s.cfg.URL, "error": errString(err)})
		attempt++
		if !utils.Sleep(ctx, utils.Backoff(s.cfg.ReconnectDelay, attempt, s.cfg.MaxReconnectDelay)) {
			return nil
		}
	}
}

// consume reads from conn until it fails or ctx ends. The connection is
// always closed on return.
func (s *Source) consume(ctx context.Context, conn *websocket.Conn, sink ports.EventSink) error {
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				// Unblocks ReadMessage.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("server closed the connection")
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		events, err := domain.DecodePredictions(msg)
		if err != nil {
			s.logger.Warn(ctx, "Discarding malformed prediction", ports.Fields{"error": err.Error(), "valid": len(events)})
		}
		for _, ev := range events {
			if err := sink.PublishPrediction(ctx, ev); err != nil {
				return fmt.Errorf("publishing prediction %s: %w", ev.EventID(), err)
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
