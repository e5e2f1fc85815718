package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"workflowTrader/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client adapts Binance USDⓈ-M futures to the engine: a kline-driven price
// source (PriceSource) and a market-order executor (Execute).
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	quoteAsset           string
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	limiter              *rate.Limiter

	stepMu    sync.Mutex
	stepSizes map[string]decimal.Decimal
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	BaseURL              string // overrides the production/testnet URL when set
	QuoteAsset           string // e.g. "USDT"; symbols are asset+QuoteAsset
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
	OrdersPerSecond      float64       // Order submission pacing; <= 0 disables
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", ports.Fields{"baseURL": client.BaseURL, "testnet": cfg.UseTestnet})

	quote := strings.ToUpper(cfg.QuoteAsset)
	if quote == "" {
		quote = "USDT"
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.OrdersPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), 1)
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		quoteAsset:           quote,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		limiter:              limiter,
		stepSizes:            make(map[string]decimal.Decimal),
	}, nil
}

// Symbol returns the futures symbol trading asset against the quote asset.
func (c *Client) Symbol(asset string) string {
	asset = strings.ToUpper(asset)
	if strings.HasSuffix(asset, c.quoteAsset) {
		return asset
	}
	return asset + c.quoteAsset
}

// Asset strips the quote asset from a symbol.
func (c *Client) Asset(symbol string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), c.quoteAsset)
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := ports.Fields{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022, -2014, -2015: // Bad signature, key format or permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130,
			-4003, -4014: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010, -2022: // New order rejected, ReduceOnly rejected
			mappedErr = ports.ErrOrderRejected
		case -2013: // Order does not exist
			mappedErr = ports.ErrNotFound
		case -2019, -3005, -3041, -4047: // Insufficient margin/balance/position
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetTickerPrice retrieves the last traded price for a symbol.
func (c *Client) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetTickerPrice"
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		return 0, c.handleError(ctx, fmt.Errorf("no ticker data returned for symbol %s: %w", symbol, ports.ErrNotFound), op)
	}

	price, err := strconv.ParseFloat(tickers[0].LastPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].LastPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// stepSize returns the LOT_SIZE step of symbol, caching exchange info.
func (c *Client) stepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.stepMu.Lock()
	step, ok := c.stepSizes[symbol]
	c.stepMu.Unlock()
	if ok {
		return step, nil
	}

	op := "GetExchangeInfo"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}

	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	for i := range info.Symbols {
		s := &info.Symbols[i]
		lot := s.LotSizeFilter()
		if lot == nil {
			continue
		}
		if v, err := decimal.NewFromString(lot.StepSize); err == nil && v.IsPositive() {
			c.stepSizes[s.Symbol] = v
		}
	}
	step, ok = c.stepSizes[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no lot size for symbol %s: %w", symbol, ports.ErrInvalidRequest)
	}
	return step, nil
}
