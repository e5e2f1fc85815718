// Package rules turns a workflow chain plus the current market facts into a
// match decision. Everything here is pure: no I/O, no clocks, no shared state.
package rules

import (
	"fmt"
	"math"
	"time"

	"workflowTrader/internal/domain"
)

// epsilon absorbs float rounding in percent comparisons, so a drop of exactly
// 5% matches a -5 threshold.
const epsilon = 1e-9

// EvaluateBuy reports whether the trigger and every condition hold against the
// freshest probability per model. A model with no probability yet leaves its
// clause unmet.
func EvaluateBuy(chain domain.BuyChain, latest map[string]float64) (bool, []string) {
	trace := make([]string, 0, 1+len(chain.Conditions))
	matched := true

	p, ok := latest[chain.Trigger.ModelID]
	switch {
	case !ok:
		trace = append(trace, noData(chain.Trigger.ModelID))
		matched = false
	case p >= chain.Trigger.MinProbability:
		trace = append(trace, fmt.Sprintf("trigger model %s: %.4f >= %.4f met", chain.Trigger.ModelID, p, chain.Trigger.MinProbability))
	default:
		trace = append(trace, fmt.Sprintf("trigger model %s: %.4f < %.4f unmet", chain.Trigger.ModelID, p, chain.Trigger.MinProbability))
		matched = false
	}

	for i, cond := range chain.Conditions {
		v, ok := latest[cond.ModelID]
		if !ok {
			trace = append(trace, noData(cond.ModelID))
			matched = false
			continue
		}
		state := "met"
		if !cond.Operator.Compare(v, cond.Threshold) {
			state = "unmet"
			matched = false
		}
		trace = append(trace, fmt.Sprintf("condition %d model %s: %.4f %s %.4f %s", i+1, cond.ModelID, v, cond.Operator, cond.Threshold, state))
	}

	return matched, trace
}

// EvaluateSell checks every rule of the chain against the position and returns
// the first match in declaration order. All matching rules are traced.
func EvaluateSell(chain domain.SellChain, pos *domain.Position, price float64, now time.Time) (bool, domain.SellRule, []string) {
	if pos == nil || !pos.IsOpen() {
		return false, nil, []string{"no open position"}
	}

	trace := make([]string, 0, len(chain.Rules)+1)
	var first domain.SellRule
	for _, rule := range chain.Rules {
		ok, fact := evaluateRule(rule, pos, price, now)
		if ok {
			fact += " matched"
			if first == nil {
				first = rule
			}
		}
		trace = append(trace, fact)
	}

	if first != nil {
		trace = append(trace, fmt.Sprintf("acting on %s", first))
	}
	return first != nil, first, trace
}

func evaluateRule(rule domain.SellRule, pos *domain.Position, price float64, now time.Time) (bool, string) {
	switch r := rule.(type) {
	case domain.StopLoss:
		if pos.EntryPrice <= 0 {
			return false, fmt.Sprintf("%s: entry price unknown", r)
		}
		change := PercentChange(pos.EntryPrice, price)
		return change <= r.Percent+epsilon, fmt.Sprintf("%s: %.4f%% from entry %g", r, change, pos.EntryPrice)
	case domain.TakeProfit:
		if pos.EntryPrice <= 0 {
			return false, fmt.Sprintf("%s: entry price unknown", r)
		}
		change := PercentChange(pos.EntryPrice, price)
		return change >= r.Percent-epsilon, fmt.Sprintf("%s: %.4f%% from entry %g", r, change, pos.EntryPrice)
	case domain.TrailingStop:
		if pos.PeakPrice == nil || *pos.PeakPrice <= 0 {
			return false, fmt.Sprintf("%s: no peak yet", r)
		}
		change := PercentChange(*pos.PeakPrice, price)
		return change <= r.Percent+epsilon, fmt.Sprintf("%s: %.4f%% from peak %g", r, change, *pos.PeakPrice)
	case domain.Timeout:
		elapsed := ElapsedMinutes(pos.CreatedAt, now)
		return elapsed >= r.Minutes, fmt.Sprintf("%s: open %dm", r, elapsed)
	default:
		return false, fmt.Sprintf("unsupported rule %T", rule)
	}
}

// PercentChange returns (price - ref) / ref * 100.
func PercentChange(ref, price float64) float64 {
	if ref == 0 {
		return math.NaN()
	}
	return (price - ref) / ref * 100
}

// ElapsedMinutes returns whole minutes between from and now, truncated toward zero.
func ElapsedMinutes(from, now time.Time) int {
	return int(now.Sub(from) / time.Minute)
}

func noData(modelID string) string {
	return fmt.Sprintf("no data for model %s", modelID)
}
