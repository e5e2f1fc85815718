package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidChain is returned when a chain does not satisfy its schema.
var ErrInvalidChain = errors.New("invalid chain")

// Operator compares a model probability against a threshold.
type Operator string

const (
	OpGTE Operator = "gte"
	OpGT  Operator = "gt"
	OpLTE Operator = "lte"
	OpLT  Operator = "lt"
)

// Compare applies the operator to (value, threshold).
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGTE:
		return value >= threshold
	case OpGT:
		return value > threshold
	case OpLTE:
		return value <= threshold
	case OpLT:
		return value < threshold
	}
	return false
}

// Valid reports whether o is a supported operator.
func (o Operator) Valid() bool {
	switch o {
	case OpGTE, OpGT, OpLTE, OpLT:
		return true
	}
	return false
}

// Chain is the declarative rule body of a workflow. It is either a BuyChain
// or a SellChain; no other implementations exist.
type Chain interface {
	Type() WorkflowType
	Validate() error
	chain()
}

// Trigger is the primary activating condition of a BUY chain.
type Trigger struct {
	ModelID        string  `json:"model_id" yaml:"model_id"`
	MinProbability float64 `json:"min_probability" yaml:"min_probability"`
}

// Condition is a secondary AND-ed constraint on a BUY chain.
type Condition struct {
	ModelID   string   `json:"model_id" yaml:"model_id"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
}

// BuyChain fires when the trigger and every condition hold.
type BuyChain struct {
	Trigger    Trigger     `json:"trigger" yaml:"trigger"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

func (BuyChain) chain() {}

// Type implements Chain.
func (BuyChain) Type() WorkflowType { return WorkflowBuy }

// Validate checks model references and probability bounds.
func (c BuyChain) Validate() error {
	if c.Trigger.ModelID == "" {
		return fmt.Errorf("%w: trigger model_id is required", ErrInvalidChain)
	}
	if !inUnitRange(c.Trigger.MinProbability) {
		return fmt.Errorf("%w: trigger min_probability %v outside [0,1]", ErrInvalidChain, c.Trigger.MinProbability)
	}
	for i, cond := range c.Conditions {
		if cond.ModelID == "" {
			return fmt.Errorf("%w: condition %d model_id is required", ErrInvalidChain, i)
		}
		if !cond.Operator.Valid() {
			return fmt.Errorf("%w: condition %d has unknown operator %q", ErrInvalidChain, i, cond.Operator)
		}
		if !inUnitRange(cond.Threshold) {
			return fmt.Errorf("%w: condition %d threshold %v outside [0,1]", ErrInvalidChain, i, cond.Threshold)
		}
	}
	return nil
}

// ModelIDs returns every model the chain references, trigger first, without duplicates.
func (c BuyChain) ModelIDs() []string {
	seen := map[string]bool{c.Trigger.ModelID: true}
	ids := []string{c.Trigger.ModelID}
	for _, cond := range c.Conditions {
		if !seen[cond.ModelID] {
			seen[cond.ModelID] = true
			ids = append(ids, cond.ModelID)
		}
	}
	return ids
}

// References reports whether the chain reads the given model.
func (c BuyChain) References(modelID string) bool {
	if c.Trigger.ModelID == modelID {
		return true
	}
	for _, cond := range c.Conditions {
		if cond.ModelID == modelID {
			return true
		}
	}
	return false
}

// RuleKind tags a SELL rule variant.
type RuleKind string

const (
	RuleStopLoss     RuleKind = "stop_loss"
	RuleTrailingStop RuleKind = "trailing_stop"
	RuleTakeProfit   RuleKind = "take_profit"
	RuleTimeout      RuleKind = "timeout"
)

// SellRule is one exit rule. The set of implementations is closed:
// StopLoss, TrailingStop, TakeProfit and Timeout.
type SellRule interface {
	Kind() RuleKind
	String() string
	validate() error
}

// StopLoss matches when the change from entry is at or below Percent (negative).
type StopLoss struct{ Percent float64 }

// TrailingStop matches when the change from the running peak is at or below Percent (negative).
type TrailingStop struct{ Percent float64 }

// TakeProfit matches when the change from entry is at or above Percent (positive).
type TakeProfit struct{ Percent float64 }

// Timeout matches once the position has been open for Minutes whole minutes.
type Timeout struct{ Minutes int }

func (StopLoss) Kind() RuleKind     { return RuleStopLoss }
func (TrailingStop) Kind() RuleKind { return RuleTrailingStop }
func (TakeProfit) Kind() RuleKind   { return RuleTakeProfit }
func (Timeout) Kind() RuleKind      { return RuleTimeout }

func (r StopLoss) String() string     { return fmt.Sprintf("stop_loss(%g%%)", r.Percent) }
func (r TrailingStop) String() string { return fmt.Sprintf("trailing_stop(%g%%)", r.Percent) }
func (r TakeProfit) String() string   { return fmt.Sprintf("take_profit(+%g%%)", r.Percent) }
func (r Timeout) String() string      { return fmt.Sprintf("timeout(%dm)", r.Minutes) }

func (r StopLoss) validate() error {
	if r.Percent >= 0 {
		return fmt.Errorf("%w: stop_loss percent must be negative, got %v", ErrInvalidChain, r.Percent)
	}
	return nil
}

func (r TrailingStop) validate() error {
	if r.Percent >= 0 {
		return fmt.Errorf("%w: trailing_stop percent must be negative, got %v", ErrInvalidChain, r.Percent)
	}
	return nil
}

func (r TakeProfit) validate() error {
	if r.Percent <= 0 {
		return fmt.Errorf("%w: take_profit percent must be positive, got %v", ErrInvalidChain, r.Percent)
	}
	return nil
}

func (r Timeout) validate() error {
	if r.Minutes <= 0 {
		return fmt.Errorf("%w: timeout minutes must be positive, got %d", ErrInvalidChain, r.Minutes)
	}
	return nil
}

// SellChain fires when any one of its rules holds.
type SellChain struct {
	Rules []SellRule
}

func (SellChain) chain() {}

// Type implements Chain.
func (SellChain) Type() WorkflowType { return WorkflowSell }

// Validate requires at least one rule and checks each rule's sign/bounds.
func (c SellChain) Validate() error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("%w: sell chain needs at least one rule", ErrInvalidChain)
	}
	for i, r := range c.Rules {
		if r == nil {
			return fmt.Errorf("%w: rule %d is empty", ErrInvalidChain, i)
		}
		if err := r.validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// RuleDoc is the tagged wire form of a SellRule.
type RuleDoc struct {
	Kind    RuleKind `json:"kind" yaml:"kind"`
	Percent *float64 `json:"percent,omitempty" yaml:"percent,omitempty"`
	Minutes *int     `json:"minutes,omitempty" yaml:"minutes,omitempty"`
}

func encodeRule(r SellRule) (RuleDoc, error) {
	switch v := r.(type) {
	case StopLoss:
		return RuleDoc{Kind: RuleStopLoss, Percent: &v.Percent}, nil
	case TrailingStop:
		return RuleDoc{Kind: RuleTrailingStop, Percent: &v.Percent}, nil
	case TakeProfit:
		return RuleDoc{Kind: RuleTakeProfit, Percent: &v.Percent}, nil
	case Timeout:
		return RuleDoc{Kind: RuleTimeout, Minutes: &v.Minutes}, nil
	}
	return RuleDoc{}, fmt.Errorf("%w: unsupported rule %T", ErrInvalidChain, r)
}

func decodeRule(raw RuleDoc) (SellRule, error) {
	switch raw.Kind {
	case RuleStopLoss, RuleTrailingStop, RuleTakeProfit:
		if raw.Percent == nil {
			return nil, fmt.Errorf("%w: %s requires percent", ErrInvalidChain, raw.Kind)
		}
		switch raw.Kind {
		case RuleStopLoss:
			return StopLoss{Percent: *raw.Percent}, nil
		case RuleTrailingStop:
			return TrailingStop{Percent: *raw.Percent}, nil
		default:
			return TakeProfit{Percent: *raw.Percent}, nil
		}
	case RuleTimeout:
		if raw.Minutes == nil {
			return nil, fmt.Errorf("%w: timeout requires minutes", ErrInvalidChain)
		}
		return Timeout{Minutes: *raw.Minutes}, nil
	}
	return nil, fmt.Errorf("%w: unknown rule kind %q", ErrInvalidChain, raw.Kind)
}

// ChainDoc is the serialized, schema-checked form of a chain. Exactly one of
// Buy or Rules is populated depending on the workflow type.
type ChainDoc struct {
	Trigger    *Trigger    `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Rules      []RuleDoc   `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// ToDoc converts a chain into its serialized form.
func ToDoc(c Chain) (ChainDoc, error) {
	switch v := c.(type) {
	case BuyChain:
		t := v.Trigger
		return ChainDoc{Trigger: &t, Conditions: v.Conditions}, nil
	case SellChain:
		rules := make([]RuleDoc, 0, len(v.Rules))
		for _, r := range v.Rules {
			raw, err := encodeRule(r)
			if err != nil {
				return ChainDoc{}, err
			}
			rules = append(rules, raw)
		}
		return ChainDoc{Rules: rules}, nil
	}
	return ChainDoc{}, fmt.Errorf("%w: unsupported chain %T", ErrInvalidChain, c)
}

// FromDoc builds the chain for the given workflow type, rejecting documents that
// carry the other type's shape, then validates it.
func FromDoc(t WorkflowType, doc ChainDoc) (Chain, error) {
	var c Chain
	switch t {
	case WorkflowBuy:
		if len(doc.Rules) > 0 {
			return nil, fmt.Errorf("%w: BUY chain cannot carry sell rules", ErrInvalidChain)
		}
		if doc.Trigger == nil {
			return nil, fmt.Errorf("%w: BUY chain requires a trigger", ErrInvalidChain)
		}
		c = BuyChain{Trigger: *doc.Trigger, Conditions: doc.Conditions}
	case WorkflowSell:
		if doc.Trigger != nil || len(doc.Conditions) > 0 {
			return nil, fmt.Errorf("%w: SELL chain cannot carry trigger or conditions", ErrInvalidChain)
		}
		rules := make([]SellRule, 0, len(doc.Rules))
		for _, raw := range doc.Rules {
			r, err := decodeRule(raw)
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
		c = SellChain{Rules: rules}
	default:
		return nil, fmt.Errorf("%w: unknown workflow type %q", ErrInvalidChain, t)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// MarshalChain encodes a chain to JSON.
func MarshalChain(c Chain) ([]byte, error) {
	doc, err := ToDoc(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// UnmarshalChain decodes and validates a JSON chain for the given type.
func UnmarshalChain(t WorkflowType, data []byte) (Chain, error) {
	var doc ChainDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return FromDoc(t, doc)
}

func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}
