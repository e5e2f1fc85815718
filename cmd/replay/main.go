package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"workflowTrader/internal/adapters/logger"
	"workflowTrader/internal/adapters/memory"
	"workflowTrader/internal/adapters/paper"
	"workflowTrader/internal/analytics"
	"workflowTrader/internal/app"
	"workflowTrader/internal/domain"
	"workflowTrader/internal/risk"
	"workflowTrader/internal/utils"
)

// replayClock reports the timestamp of the event being replayed, so cooldowns
// follow recorded time instead of wall time.
type replayClock struct {
	at time.Time
}

func (c *replayClock) Now() time.Time { return c.at }

func main() {
	workflowsFile := flag.String("workflows", "workflows.yaml", "YAML file with workflow definitions")
	predictionsFile := flag.String("predictions", "data/predictions.csv", "CSV of prediction events")
	pricesFile := flag.String("prices", "data/prices.csv", "CSV of price ticks")
	slippage := flag.Float64("slippage", 0, "paper fill slippage in percent")
	csvPath := flag.String("csv", "", "write the resulting ledger to this CSV file")
	logLevel := flag.String("log-level", "WARN", "log level")
	flag.Parse()

	appLogger := logger.NewStdLogger(logger.ParseLevel(*logLevel))
	ctx := context.Background()

	// 1. Load inputs
	inputs, err := app.LoadWorkflowFile(*workflowsFile)
	if err != nil {
		log.Fatalf("Error loading workflows: %v", err)
	}
	predictions, err := utils.ReadPredictionsFile(*predictionsFile)
	if err != nil {
		log.Fatalf("Error loading predictions: %v", err)
	}
	ticks, err := utils.ReadPricesFile(*pricesFile)
	if err != nil {
		log.Fatalf("Error loading prices: %v", err)
	}
	timeline := utils.MergeTimeline(predictions, ticks)
	if len(timeline) == 0 {
		log.Println("Nothing to replay.")
		return
	}

	// 2. Wire an in-memory engine
	clock := &replayClock{at: timeline[0].At()}
	store := memory.NewStore()
	admission, err := risk.NewAdmissionController(risk.Config{
		Positions: store,
		History:   store,
		Locker:    risk.NewLocalLocker(),
		Logger:    appLogger.Named("admission"),
		Now:       clock.Now,
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	catalog, err := app.NewCatalog(store, appLogger.Named("catalog"))
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	workflows, err := app.NewWorkflowService(app.WorkflowServiceConfig{
		Repo:      store,
		Catalog:   catalog,
		Admission: admission,
		Logger:    appLogger.Named("workflows"),
		Now:       clock.Now,
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	if _, err := workflows.Import(ctx, inputs); err != nil {
		log.Fatalf("Error importing workflows: %v", err)
	}
	executor, err := paper.NewExecutor(paper.Config{Logger: appLogger.Named("paper"), SlippagePercent: *slippage})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	engine, err := app.NewEngine(app.Config{
		Store:         store,
		Executor:      executor,
		Admission:     admission,
		Catalog:       catalog,
		Logger:        appLogger.Named("engine"),
		OrderIDPrefix: "replay-",
		OrderTimeout:  time.Second,
		Now:           clock.Now,
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	if err := catalog.Refresh(ctx); err != nil {
		log.Fatalf("Error loading catalog: %v", err)
	}

	// 3. Replay events in timestamp order, one at a time
	start := time.Now()
	for _, ev := range timeline {
		clock.at = ev.At()
		if ev.Prediction != nil {
			engine.HandlePrediction(ctx, *ev.Prediction)
		} else if ev.Price != nil {
			engine.HandlePrice(ctx, *ev.Price)
		}
	}
	fmt.Printf("Replayed %d predictions and %d price ticks in %s\n", len(predictions), len(ticks), time.Since(start).Round(time.Millisecond))

	// 4. Summarize
	execs := collect(func(p domain.Page) ([]*domain.WorkflowExecution, int, error) {
		return store.ListExecutions(ctx, domain.ExecutionFilter{}, p)
	})
	positions := collect(func(p domain.Page) ([]*domain.Position, int, error) {
		return store.ListPositions(ctx, "", "", p)
	})
	printSummary(execs, positions)

	if *csvPath == "" {
		return
	}
	f, err := os.Create(*csvPath)
	if err != nil {
		log.Fatalf("Error creating %s: %v", *csvPath, err)
	}
	defer f.Close()
	if err := utils.WriteExecutionsCSV(f, execs); err != nil {
		log.Fatalf("Error writing %s: %v", *csvPath, err)
	}
	fmt.Printf("Ledger saved to %s\n", *csvPath)
}

// collect walks every page of a listing.
func collect[T any](list func(domain.Page) ([]T, int, error)) []T {
	var out []T
	for page := 1; ; page++ {
		items, total, err := list(domain.Page{Number: page, Size: domain.MaxPageSize})
		if err != nil {
			log.Fatalf("Error reading results: %v", err)
		}
		out = append(out, items...)
		if len(items) == 0 || len(out) >= total {
			return out
		}
	}
}

func printSummary(execs []*domain.WorkflowExecution, positions []*domain.Position) {
	counts := make(map[string]map[domain.ExecutionResult]int)
	var order []string
	for _, e := range execs {
		if counts[e.WorkflowID] == nil {
			counts[e.WorkflowID] = make(map[domain.ExecutionResult]int)
			order = append(order, e.WorkflowID)
		}
		counts[e.WorkflowID][e.Result]++
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Ledger")
	t.AppendHeader(table.Row{"Workflow", "Executed", "Rejected", "Error"})
	for _, id := range order {
		c := counts[id]
		t.AppendRow(table.Row{id, c[domain.ResultExecuted], c[domain.ResultRejected], c[domain.ResultError]})
	}
	fmt.Println(t.Render())

	m := analytics.AnalyzePositions(positions)
	open := 0
	for _, p := range positions {
		if p.IsOpen() {
			open++
		}
	}
	perf := table.NewWriter()
	perf.SetStyle(table.StyleLight)
	perf.SetTitle("Positions")
	perf.AppendRows([]table.Row{
		{"Open", open},
		{"Closed", m.ClosedPositions},
		{"Win Rate", fmt.Sprintf("%.1f%%", m.WinRate*100)},
		{"Total PnL", fmt.Sprintf("%.4f", m.TotalPNL)},
		{"Profit Factor", fmt.Sprintf("%.2f", m.ProfitFactor)},
		{"Max Drawdown", fmt.Sprintf("%.4f", m.MaxDrawdown)},
		{"Avg Hold", m.AverageHoldDuration.Round(time.Second)},
	})
	for _, mr := range m.GetMonthlyReturns() {
		perf.AppendRow(table.Row{"PnL " + mr.Month.Format("2006-01"), fmt.Sprintf("%.4f", mr.PNL)})
	}
	fmt.Println(perf.Render())
}
