package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBuyWorkflow() *Workflow {
	return &Workflow{
		WalletID:         "wallet-1",
		Name:             "model 7 breakout",
		Type:             WorkflowBuy,
		Active:           true,
		Chain:            BuyChain{Trigger: Trigger{ModelID: "7", MinProbability: 0.7}},
		Amount:           BuyAmount{Amount: decimal.RequireFromString("0.05"), Currency: "SOL"},
		CooldownSeconds:  60,
		MaxOpenPositions: 3,
	}
}

func TestWorkflow_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Workflow)
		wantErr error
	}{
		{name: "valid buy"},
		{
			name: "valid sell",
			mutate: func(w *Workflow) {
				w.Type = WorkflowSell
				w.Chain = SellChain{Rules: []SellRule{StopLoss{-5}}}
				w.Amount = FullSell()
			},
		},
		{
			name:    "sell chain on buy workflow",
			mutate:  func(w *Workflow) { w.Chain = SellChain{Rules: []SellRule{StopLoss{-5}}} },
			wantErr: ErrInvalidChain,
		},
		{
			name:    "sell amount on buy workflow",
			mutate:  func(w *Workflow) { w.Amount = FullSell() },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "zero buy amount",
			mutate:  func(w *Workflow) { w.Amount = BuyAmount{Amount: decimal.Zero, Currency: "SOL"} },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "missing chain",
			mutate:  func(w *Workflow) { w.Chain = nil },
			wantErr: ErrInvalidChain,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validBuyWorkflow()
			if tt.mutate != nil {
				tt.mutate(wf)
			}
			err := wf.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestWorkflow_ValidateCollectsAllErrors(t *testing.T) {
	wf := &Workflow{Type: "HOLD", CooldownSeconds: -1, MaxOpenPositions: -2}

	err := wf.Validate()
	require.Error(t, err)
	for _, want := range []string{"wallet_id", "name", "unknown type", "cooldown_seconds", "max_open_positions"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestAmountFromDoc(t *testing.T) {
	pct := decimal.NewFromInt(50)
	amt := decimal.RequireFromString("0.05")

	a, err := AmountFromDoc(WorkflowSell, AmountDoc{})
	require.NoError(t, err)
	assert.True(t, a.(SellAmount).ClosesPosition())

	a, err = AmountFromDoc(WorkflowSell, AmountDoc{Percent: &pct})
	require.NoError(t, err)
	assert.False(t, a.(SellAmount).ClosesPosition())

	a, err = AmountFromDoc(WorkflowBuy, AmountDoc{Amount: &amt, Currency: " sol "})
	require.NoError(t, err)
	assert.Equal(t, "SOL", a.(BuyAmount).Currency)

	_, err = AmountFromDoc(WorkflowBuy, AmountDoc{Percent: &pct})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = AmountFromDoc(WorkflowSell, AmountDoc{Amount: &amt})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	over := decimal.NewFromInt(150)
	_, err = AmountFromDoc(WorkflowSell, AmountDoc{Percent: &over})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPosition_ObservePriceIsMonotone(t *testing.T) {
	p := &Position{Status: StatusOpen, EntryPrice: 1.0}
	assert.Nil(t, p.PeakPrice)

	for _, tick := range []float64{1.0, 1.5, 1.2} {
		p.ObservePrice(tick)
	}
	require.NotNil(t, p.PeakPrice)
	assert.Equal(t, 1.5, *p.PeakPrice)
}

func TestPage_NormalizeBasic(t *testing.T) {
	assert.Equal(t, Page{Number: 1, Size: DefaultPageSize}, Page{}.Normalize())
	assert.Equal(t, Page{Number: 3, Size: MaxPageSize}, Page{Number: 3, Size: 1000}.Normalize())
	assert.Equal(t, 40, Page{Number: 3, Size: 20}.Offset())
}
