package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when an amount spec does not fit its workflow type.
var ErrInvalidAmount = errors.New("invalid amount spec")

var hundred = decimal.NewFromInt(100)

// AmountSpec describes how much a workflow trades. It is either a BuyAmount or a SellAmount.
type AmountSpec interface {
	Type() WorkflowType
	Validate() error
	amount()
}

// BuyAmount is the quote amount spent by each BUY (e.g. 0.05 SOL).
type BuyAmount struct {
	Amount   decimal.Decimal
	Currency string
}

// SellAmount is the share of a position sold by each SELL, in percent.
type SellAmount struct {
	Percent decimal.Decimal
}

func (BuyAmount) amount()  {}
func (SellAmount) amount() {}

// Type implements AmountSpec.
func (BuyAmount) Type() WorkflowType { return WorkflowBuy }

// Type implements AmountSpec.
func (SellAmount) Type() WorkflowType { return WorkflowSell }

// Validate implements AmountSpec.
func (a BuyAmount) Validate() error {
	if !a.Amount.IsPositive() {
		return fmt.Errorf("%w: buy amount must be positive, got %s", ErrInvalidAmount, a.Amount)
	}
	if strings.TrimSpace(a.Currency) == "" {
		return fmt.Errorf("%w: buy currency is required", ErrInvalidAmount)
	}
	return nil
}

// Validate implements AmountSpec.
func (a SellAmount) Validate() error {
	if !a.Percent.IsPositive() || a.Percent.GreaterThan(hundred) {
		return fmt.Errorf("%w: sell percent must be in (0,100], got %s", ErrInvalidAmount, a.Percent)
	}
	return nil
}

// ClosesPosition reports whether a fill of this spec sells the whole position.
func (a SellAmount) ClosesPosition() bool {
	return a.Percent.Equal(hundred)
}

// FullSell sells the entire position.
func FullSell() SellAmount {
	return SellAmount{Percent: hundred}
}

func (a BuyAmount) String() string  { return a.Amount.String() + " " + a.Currency }
func (a SellAmount) String() string { return a.Percent.String() + "%" }

// AmountDoc is the serialized form of an AmountSpec.
type AmountDoc struct {
	Amount   *decimal.Decimal `json:"amount,omitempty" yaml:"amount,omitempty"`
	Currency string           `json:"currency,omitempty" yaml:"currency,omitempty"`
	Percent  *decimal.Decimal `json:"percent,omitempty" yaml:"percent,omitempty"`
}

// ToAmountDoc converts an amount spec into its serialized form.
func ToAmountDoc(a AmountSpec) AmountDoc {
	switch v := a.(type) {
	case BuyAmount:
		amt := v.Amount
		return AmountDoc{Amount: &amt, Currency: v.Currency}
	case SellAmount:
		pct := v.Percent
		return AmountDoc{Percent: &pct}
	}
	return AmountDoc{}
}

// AmountFromDoc builds and validates the amount spec for the given type.
// A SELL document without a percent sells the whole position.
func AmountFromDoc(t WorkflowType, doc AmountDoc) (AmountSpec, error) {
	var a AmountSpec
	switch t {
	case WorkflowBuy:
		if doc.Percent != nil {
			return nil, fmt.Errorf("%w: BUY amount cannot carry a percent", ErrInvalidAmount)
		}
		if doc.Amount == nil {
			return nil, fmt.Errorf("%w: BUY amount is required", ErrInvalidAmount)
		}
		a = BuyAmount{Amount: *doc.Amount, Currency: strings.ToUpper(strings.TrimSpace(doc.Currency))}
	case WorkflowSell:
		if doc.Amount != nil || doc.Currency != "" {
			return nil, fmt.Errorf("%w: SELL amount cannot carry amount or currency", ErrInvalidAmount)
		}
		if doc.Percent == nil {
			a = FullSell()
		} else {
			a = SellAmount{Percent: *doc.Percent}
		}
	default:
		return nil, fmt.Errorf("%w: unknown workflow type %q", ErrInvalidAmount, t)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// MarshalAmount encodes an amount spec to JSON.
func MarshalAmount(a AmountSpec) ([]byte, error) {
	return json.Marshal(ToAmountDoc(a))
}

// UnmarshalAmount decodes and validates a JSON amount spec for the given type.
func UnmarshalAmount(t WorkflowType, data []byte) (AmountSpec, error) {
	var doc AmountDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return AmountFromDoc(t, doc)
}

// Workflow is a user-declared BUY or SELL rule chain bound to a wallet.
type Workflow struct {
	ID               string
	WalletID         string
	Name             string
	Type             WorkflowType
	Active           bool
	Chain            Chain
	Amount           AmountSpec
	CooldownSeconds  int
	MaxOpenPositions int // 0 means no capacity limit
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Cooldown returns the cooldown window as a duration.
func (w *Workflow) Cooldown() time.Duration {
	return time.Duration(w.CooldownSeconds) * time.Second
}

// Validate checks the workflow as a whole: identity fields, chain and amount
// shape against the type, and the admission limits.
func (w *Workflow) Validate() error {
	var errs []error
	if strings.TrimSpace(w.WalletID) == "" {
		errs = append(errs, errors.New("wallet_id is required"))
	}
	if strings.TrimSpace(w.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !w.Type.Valid() {
		errs = append(errs, fmt.Errorf("unknown type %q", w.Type))
	}
	if w.Chain == nil {
		errs = append(errs, fmt.Errorf("%w: chain is required", ErrInvalidChain))
	} else if w.Type.Valid() && w.Chain.Type() != w.Type {
		errs = append(errs, fmt.Errorf("%w: %s workflow cannot carry a %s chain", ErrInvalidChain, w.Type, w.Chain.Type()))
	} else if err := w.Chain.Validate(); err != nil {
		errs = append(errs, err)
	}
	if w.Amount == nil {
		errs = append(errs, fmt.Errorf("%w: amount is required", ErrInvalidAmount))
	} else if w.Type.Valid() && w.Amount.Type() != w.Type {
		errs = append(errs, fmt.Errorf("%w: %s workflow cannot carry a %s amount", ErrInvalidAmount, w.Type, w.Amount.Type()))
	} else if err := w.Amount.Validate(); err != nil {
		errs = append(errs, err)
	}
	if w.CooldownSeconds < 0 {
		errs = append(errs, errors.New("cooldown_seconds cannot be negative"))
	}
	if w.MaxOpenPositions < 0 {
		errs = append(errs, errors.New("max_open_positions cannot be negative"))
	}
	return errors.Join(errs...)
}

// BuyChain returns the chain as a BuyChain; ok is false for SELL workflows.
func (w *Workflow) BuyChain() (BuyChain, bool) {
	c, ok := w.Chain.(BuyChain)
	return c, ok
}

// SellChain returns the chain as a SellChain; ok is false for BUY workflows.
func (w *Workflow) SellChain() (SellChain, bool) {
	c, ok := w.Chain.(SellChain)
	return c, ok
}
