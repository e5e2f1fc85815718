package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PredictionEvent is a probability produced by an external model for an asset.
type PredictionEvent struct {
	ID          string    `json:"id,omitempty"`
	ModelID     string    `json:"model_id"`
	Asset       string    `json:"asset"`
	Probability float64   `json:"probability"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventID returns the source id, or a deterministic id derived from the event's
// content so redelivered events map onto the same ledger key.
func (e PredictionEvent) EventID() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("pred:%s:%s:%d", e.ModelID, e.Asset, e.Timestamp.UnixNano())
}

// PriceTick is one observed price for an asset.
type PriceTick struct {
	ID        string    `json:"id,omitempty"`
	Asset     string    `json:"asset"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// EventID returns the source id or a deterministic content-derived id.
func (t PriceTick) EventID() string {
	if t.ID != "" {
		return t.ID
	}
	return fmt.Sprintf("tick:%s:%d", t.Asset, t.Timestamp.UnixNano())
}

// Validate checks the fields every prediction must carry.
func (e PredictionEvent) Validate() error {
	switch {
	case e.ModelID == "":
		return errors.New("prediction has no model_id")
	case e.Asset == "":
		return errors.New("prediction has no asset")
	case e.Probability < 0 || e.Probability > 1:
		return fmt.Errorf("prediction probability %v outside [0,1]", e.Probability)
	case e.Timestamp.IsZero():
		return errors.New("prediction has no timestamp")
	}
	return nil
}

// DecodePredictions parses a single JSON prediction or an array of them.
// Assets are upper-cased and timestamps normalized to UTC. Invalid entries are
// skipped and reported in the joined error alongside the valid events.
func DecodePredictions(data []byte) ([]PredictionEvent, error) {
	data = bytes.TrimSpace(data)
	var raw []PredictionEvent
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decoding predictions: %w", err)
		}
	} else {
		var ev PredictionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decoding prediction: %w", err)
		}
		raw = []PredictionEvent{ev}
	}

	events := make([]PredictionEvent, 0, len(raw))
	var errs []error
	for i, ev := range raw {
		ev.Asset = strings.ToUpper(strings.TrimSpace(ev.Asset))
		ev.Timestamp = ev.Timestamp.UTC()
		if err := ev.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("prediction %d: %w", i, err))
			continue
		}
		events = append(events, ev)
	}
	return events, errors.Join(errs...)
}
