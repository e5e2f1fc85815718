package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"workflowTrader/config"
	"workflowTrader/internal/adapters/logger"
	"workflowTrader/internal/adapters/sqlite"
	"workflowTrader/internal/analytics"
	"workflowTrader/internal/domain"
	"workflowTrader/internal/utils"
)

func main() {
	wallet := flag.String("wallet", "", "only report workflows of this wallet")
	workflowID := flag.String("workflow", "", "only list executions of this workflow")
	limit := flag.Int("limit", 20, "number of recent executions to list")
	csvPath := flag.String("csv", "", "also export the listed executions to this CSV file")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()

	// 2. Open the ledger
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger.Named("sqlite")})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer repo.Close()
	analyzer, err := analytics.NewAnalyzer(repo, appLogger.Named("analytics"))
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize analyzer: %v", err)
	}

	// 3. Per-workflow summary
	workflows, total, err := repo.ListWorkflows(ctx, domain.WorkflowFilter{WalletID: *wallet}, domain.Page{Size: domain.MaxPageSize})
	if err != nil {
		log.Fatalf("Error listing workflows: %v", err)
	}
	summary := table.NewWriter()
	summary.SetStyle(table.StyleLight)
	summary.SetTitle(fmt.Sprintf("Workflows (%d)", total))
	summary.AppendHeader(table.Row{"ID", "Name", "Type", "Active", "Executed", "Rejected", "Error", "Closed", "Win Rate", "PnL", "Max DD", "Avg Hold"})
	for _, wf := range workflows {
		stats, err := analyzer.Stats(ctx, wf.ID)
		if err != nil {
			appLogger.Error(ctx, err, "Error computing workflow stats", map[string]interface{}{"workflowID": wf.ID})
			continue
		}
		summary.AppendRow(table.Row{
			wf.ID, wf.Name, wf.Type, wf.Active,
			stats.Counts[domain.ResultExecuted],
			stats.Counts[domain.ResultRejected],
			stats.Counts[domain.ResultError],
			stats.ClosedPositions,
			fmt.Sprintf("%.1f%%", stats.WinRate*100),
			fmt.Sprintf("%.4f", stats.RealizedPNL),
			fmt.Sprintf("%.4f", stats.MaxDrawdown),
			stats.AverageHold,
		})
	}
	fmt.Println(summary.Render())

	// 4. Recent executions
	execs, count, err := repo.ListExecutions(ctx,
		domain.ExecutionFilter{WorkflowID: *workflowID, WalletID: *wallet},
		domain.Page{Size: *limit})
	if err != nil {
		log.Fatalf("Error listing executions: %v", err)
	}
	recent := table.NewWriter()
	recent.SetStyle(table.StyleLight)
	recent.SetTitle(fmt.Sprintf("Executions (%d of %d)", len(execs), count))
	recent.AppendHeader(table.Row{"ID", "Time", "Workflow", "Asset", "Result", "Order", "Detail"})
	for _, e := range execs {
		detail := e.ErrorMessage
		if detail == "" && len(e.Trace) > 0 {
			detail = e.Trace[len(e.Trace)-1]
		}
		recent.AppendRow(table.Row{
			e.ID, e.CreatedAt.Format("2006-01-02 15:04:05"), e.WorkflowID, e.Asset, e.Result, e.OrderID, truncate(detail, 60),
		})
	}
	fmt.Println(recent.Render())

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
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": *csvPath, "rows": len(execs)})
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
