package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"
	"workflowTrader/internal/utils"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/sync/errgroup"
)

// wsKlineServe is swapped in tests.
var wsKlineServe = futures.WsKlineServe

// PriceSource streams kline updates for a set of assets and publishes each
// update's close price as a tick.
type PriceSource struct {
	client   *Client
	assets   []string
	interval string
}

var _ ports.EventSource = (*PriceSource)(nil)

// NewPriceSource creates a price source for assets using the given kline interval.
func (c *Client) NewPriceSource(assets []string, interval string) *PriceSource {
	if interval == "" {
		interval = "1m"
	}
	return &PriceSource{client: c, assets: assets, interval: interval}
}

// Name implements ports.EventSource.
func (s *PriceSource) Name() string { return "binance-klines" }

// Run streams every asset until ctx is canceled or a stream gives up.
func (s *PriceSource) Run(ctx context.Context, sink ports.EventSink) error {
	if len(s.assets) == 0 {
		return errors.New("no assets configured for price stream")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range s.assets {
		symbol := s.client.Symbol(asset)
		g.Go(func() error {
			return s.client.StreamPrices(gctx, symbol, s.interval, func(tick domain.PriceTick) {
				if err := sink.PublishPrice(tick); err != nil {
					s.client.logger.Debug(gctx, "Price tick not published", ports.Fields{"symbol": symbol, "error": err.Error()})
				}
			})
		})
	}
	return g.Wait()
}

// StreamPrices keeps a kline WebSocket open for symbol, reconnecting with
// exponential backoff, and calls onTick for every update. It returns nil when
// ctx is canceled and an error once reconnect attempts are exhausted.
func (c *Client) StreamPrices(ctx context.Context, symbol, interval string, onTick func(domain.PriceTick)) error {
	op := "StreamPrices"
	fields := ports.Fields{"symbol": symbol, "interval": interval}

	handler := func(event *futures.WsKlineEvent) {
		tick, err := c.translateWsKline(event)
		if err != nil {
			c.logger.Error(ctx, err, op+": Failed to translate WebSocket kline event", fields)
			return
		}
		onTick(tick)
	}
	errHandler := func(err error) {
		c.logger.Warn(ctx, op+": WebSocket error reported", ports.Fields{"symbol": symbol, "error": err.Error()})
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			c.logger.Info(ctx, op+": Context cancelled, stopping connection attempts.", fields)
			return nil
		}

		c.logger.Info(ctx, op+": Attempting WebSocket connection...", ports.Fields{"symbol": symbol, "attempt": attempt + 1})
		doneCh, stopCh, err := wsKlineServe(symbol, interval, handler, errHandler)
		if err != nil {
			attempt++
			if attempt >= c.maxReconnectAttempts {
				err = c.handleError(ctx, err, op+" connection attempt")
				c.logger.Error(ctx, err, op+": Max reconnection attempts exceeded, giving up.", ports.Fields{"symbol": symbol, "maxAttempts": c.maxReconnectAttempts})
				return fmt.Errorf("streaming %s: %w", symbol, err)
			}
			if !c.backoff(ctx, attempt, symbol) {
				return nil
			}
			continue
		}

		c.logger.Info(ctx, op+": WebSocket connection established.", fields)
		attempt = 0

		select {
		case <-doneCh:
			c.logger.Warn(ctx, op+": WebSocket connection closed unexpectedly. Reconnecting...", fields)
			attempt++
			if !c.backoff(ctx, attempt, symbol) {
				return nil
			}
		case <-ctx.Done():
			close(stopCh)
			<-doneCh
			c.logger.Info(ctx, op+": Context cancelled, WebSocket stopped.", fields)
			return nil
		}
	}
}

// backoff sleeps reconnectDelay * 2^(attempt-1), capped at one minute.
// Returns false if ctx ended first.
func (c *Client) backoff(ctx context.Context, attempt int, symbol string) bool {
	delay := utils.Backoff(c.reconnectDelay, attempt, time.Minute)
	c.logger.Info(ctx, "Reconnecting price stream", ports.Fields{"symbol": symbol, "attempt": attempt, "delay": delay.String()})
	return utils.Sleep(ctx, delay)
}

func (c *Client) translateWsKline(event *futures.WsKlineEvent) (domain.PriceTick, error) {
	if event == nil {
		return domain.PriceTick{}, errors.New("received nil kline event")
	}
	price, err := strconv.ParseFloat(event.Kline.Close, 64)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("parsing close price '%s': %w", event.Kline.Close, err)
	}
	if price <= 0 {
		return domain.PriceTick{}, fmt.Errorf("non-positive close price %v", price)
	}
	return domain.PriceTick{
		Asset:     c.Asset(event.Symbol),
		Price:     price,
		Timestamp: time.UnixMilli(event.Time).UTC(),
	}, nil
}
