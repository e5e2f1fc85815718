package binanceclient

import (
	"context"
	"fmt"
	"strconv"

	"workflowTrader/internal/domain"
	"workflowTrader/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

var _ ports.OrderExecutor = (*Client)(nil)

// Execute places a market order for intent. BUY intents are sized from the
// quote amount, converted through the quote currency's own ticker when it is
// not the exchange quote asset. SELL intents reduce the futures position.
func (c *Client) Execute(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
	op := "Execute"
	symbol := c.Symbol(intent.Asset)

	qty, err := c.quantity(ctx, symbol, intent)
	if err != nil {
		return failed(err), err
	}
	if !qty.IsPositive() {
		err := fmt.Errorf("order quantity for %s rounds to zero: %w", symbol, ports.ErrInvalidRequest)
		return failed(err), err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		err = c.handleError(ctx, err, op)
		return failed(err), err
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(intent.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if intent.ClientOrderID != "" {
		svc = svc.NewClientOrderID(intent.ClientOrderID)
	}
	if intent.Side == domain.Sell {
		svc = svc.ReduceOnly(true)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		err = c.handleError(ctx, err, op)
		return failed(err), err
	}

	result := translateOrderResponse(order)
	c.logger.Info(ctx, op+" completed", ports.Fields{
		"symbol":        symbol,
		"side":          intent.Side,
		"quantity":      qty.String(),
		"clientOrderID": intent.ClientOrderID,
		"status":        result.Status,
		"avgPrice":      result.Price,
	})
	return result, nil
}

// quantity converts an intent into a lot-size aligned base quantity.
func (c *Client) quantity(ctx context.Context, symbol string, intent domain.OrderIntent) (decimal.Decimal, error) {
	var raw decimal.Decimal
	switch intent.Side {
	case domain.Sell:
		raw = decimal.NewFromFloat(intent.TokenAmount)
	case domain.Buy:
		price := intent.ReferencePrice
		if price <= 0 {
			p, err := c.GetTickerPrice(ctx, symbol)
			if err != nil {
				return decimal.Zero, err
			}
			price = p
		}
		notional := decimal.NewFromFloat(intent.QuoteAmount)
		if cur := intent.QuoteCurrency; cur != "" && cur != c.quoteAsset {
			fx, err := c.GetTickerPrice(ctx, cur+c.quoteAsset)
			if err != nil {
				return decimal.Zero, fmt.Errorf("converting %s to %s: %w", cur, c.quoteAsset, err)
			}
			notional = notional.Mul(decimal.NewFromFloat(fx))
		}
		raw = notional.Div(decimal.NewFromFloat(price))
	default:
		return decimal.Zero, fmt.Errorf("unknown order side %q: %w", intent.Side, ports.ErrInvalidRequest)
	}

	step, err := c.stepSize(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return RoundToStep(raw, step), nil
}

// RoundToStep floors qty to a multiple of step.
func RoundToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func failed(err error) domain.OrderResult {
	return domain.OrderResult{Status: domain.OrderFailed, Message: err.Error()}
}

func translateOrderResponse(order *futures.CreateOrderResponse) domain.OrderResult {
	if order == nil {
		return domain.OrderResult{Status: domain.OrderFailed, Message: "empty order response"}
	}
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	result := domain.OrderResult{
		FilledAmount: execQty,
		Price:        avgPrice,
		Message:      fmt.Sprintf("binance order %d %s", order.OrderID, order.Status),
	}
	switch order.Status {
	case futures.OrderStatusTypeFilled, futures.OrderStatusTypePartiallyFilled:
		if execQty > 0 && avgPrice > 0 {
			result.Status = domain.OrderSuccess
			return result
		}
	}
	result.Status = domain.OrderFailed
	return result
}
