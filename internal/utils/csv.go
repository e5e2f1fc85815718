package utils

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"workflowTrader/internal/domain"
)

// ReplayEvent is one entry of a merged replay timeline. Exactly one of
// Prediction or Price is set.
type ReplayEvent struct {
	Prediction *domain.PredictionEvent
	Price      *domain.PriceTick
}

// At returns the event's timestamp.
func (e ReplayEvent) At() time.Time {
	if e.Prediction != nil {
		return e.Prediction.Timestamp
	}
	if e.Price != nil {
		return e.Price.Timestamp
	}
	return time.Time{}
}

// ReadPredictionsFile reads prediction events from a CSV file with the header
// timestamp,model_id,asset,probability and an optional id column.
func ReadPredictionsFile(filename string) ([]domain.PredictionEvent, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadPredictionsCSV(f)
}

// ReadPredictionsCSV reads prediction events from CSV. Columns are matched by
// header name, in any order.
func ReadPredictionsCSV(r io.Reader) ([]domain.PredictionEvent, error) {
	var events []domain.PredictionEvent
	err := readCSV(r, []string{"timestamp", "model_id", "asset", "probability"}, func(row csvRow) error {
		ts, err := ParseTimestamp(row.get("timestamp"))
		if err != nil {
			return err
		}
		p, err := strconv.ParseFloat(row.get("probability"), 64)
		if err != nil {
			return fmt.Errorf("probability: %w", err)
		}
		ev := domain.PredictionEvent{
			ID:          row.get("id"),
			ModelID:     row.get("model_id"),
			Asset:       strings.ToUpper(row.get("asset")),
			Probability: p,
			Timestamp:   ts,
		}
		if err := ev.Validate(); err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	return events, err
}

// ReadPricesFile reads price ticks from a CSV file with the header
// timestamp,asset,price and an optional id column.
func ReadPricesFile(filename string) ([]domain.PriceTick, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadPricesCSV(f)
}

// ReadPricesCSV reads price ticks from CSV.
func ReadPricesCSV(r io.Reader) ([]domain.PriceTick, error) {
	var ticks []domain.PriceTick
	err := readCSV(r, []string{"timestamp", "asset", "price"}, func(row csvRow) error {
		ts, err := ParseTimestamp(row.get("timestamp"))
		if err != nil {
			return err
		}
		price, err := strconv.ParseFloat(row.get("price"), 64)
		if err != nil {
			return fmt.Errorf("price: %w", err)
		}
		if price <= 0 {
			return fmt.Errorf("price must be positive, got %v", price)
		}
		ticks = append(ticks, domain.PriceTick{
			ID:        row.get("id"),
			Asset:     strings.ToUpper(row.get("asset")),
			Price:     price,
			Timestamp: ts,
		})
		return nil
	})
	return ticks, err
}

// MergeTimeline orders predictions and ticks by timestamp. At equal
// timestamps prices come first, so a BUY sees the price of its own instant.
func MergeTimeline(predictions []domain.PredictionEvent, ticks []domain.PriceTick) []ReplayEvent {
	out := make([]ReplayEvent, 0, len(predictions)+len(ticks))
	for i := range ticks {
		out = append(out, ReplayEvent{Price: &ticks[i]})
	}
	for i := range predictions {
		out = append(out, ReplayEvent{Prediction: &predictions[i]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].At().Before(out[j].At())
	})
	return out
}

// ParseTimestamp accepts RFC3339 (with or without fractional seconds) or unix
// seconds / milliseconds. The result is in UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", raw, err)
	}
	return ts.UTC(), nil
}

// WriteExecutionsCSV writes ledger entries as CSV.
func WriteExecutionsCSV(w io.Writer, execs []*domain.WorkflowExecution) error {
	writer := csv.NewWriter(w)

	// Write header
	if err := writer.Write([]string{"id", "created_at", "workflow_id", "wallet_id", "type", "event_id", "asset", "position_id", "order_id", "result", "error", "trace", "event_data"}); err != nil {
		return err
	}

	for _, e := range execs {
		data, err := json.Marshal(e.EventData)
		if err != nil {
			return fmt.Errorf("execution %d event data: %w", e.ID, err)
		}
		if err := writer.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.WorkflowID,
			e.WalletID,
			string(e.WorkflowType),
			e.EventID,
			e.Asset,
			strconv.FormatInt(e.PositionID, 10),
			strconv.FormatInt(e.OrderID, 10),
			string(e.Result),
			e.ErrorMessage,
			strings.Join(e.Trace, "; "),
			string(data),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

type csvRow struct {
	index  map[string]int
	record []string
}

func (r csvRow) get(col string) string {
	i, ok := r.index[col]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}

// readCSV checks the header for the required columns and calls fn per row.
// Row errors carry the line number.
func readCSV(r io.Reader, required []string, fn func(csvRow) error) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("csv is empty")
		}
		return fmt.Errorf("reading header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return fmt.Errorf("csv header is missing column %q", col)
		}
	}

	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(csvRow{index: index, record: record}); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
}
