package main

import (
	"context"
	"flag"
	"log"

	"workflowTrader/config"
	"workflowTrader/internal/adapters/logger"
	"workflowTrader/internal/adapters/sqlite"
	"workflowTrader/internal/app"
)

func main() {
	file := flag.String("file", "workflows.yaml", "YAML file with workflow definitions")
	dryRun := flag.Bool("dry-run", false, "validate the file without writing to the database")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()

	// 2. Parse and validate definitions
	inputs, err := app.LoadWorkflowFile(*file)
	if err != nil {
		log.Fatalf("Error loading %s: %v", *file, err)
	}
	invalid := 0
	for i, in := range inputs {
		if _, err := app.Build(in); err != nil {
			invalid++
			appLogger.Error(ctx, err, "Invalid workflow definition", map[string]interface{}{"index": i, "name": in.Name})
		}
	}
	appLogger.Info(ctx, "Parsed workflow file", map[string]interface{}{"file": *file, "count": len(inputs), "invalid": invalid})
	if *dryRun {
		if invalid > 0 {
			log.Fatalf("%d of %d definitions are invalid", invalid, len(inputs))
		}
		return
	}

	// 3. Store them
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger.Named("sqlite")})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer repo.Close()

	svc, err := app.NewWorkflowService(app.WorkflowServiceConfig{Repo: repo, Logger: appLogger.Named("workflows")})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize workflow service: %v", err)
	}
	created, err := svc.Import(ctx, inputs)
	for _, wf := range created {
		appLogger.Info(ctx, "Imported workflow", map[string]interface{}{
			"id":     wf.ID,
			"name":   wf.Name,
			"type":   wf.Type,
			"active": wf.Active,
		})
	}
	if err != nil {
		appLogger.Error(ctx, err, "Some workflows were not imported")
		log.Fatalf("Imported %d of %d workflows", len(created), len(inputs))
	}
	appLogger.Info(ctx, "Import finished", map[string]interface{}{"imported": len(created)})
}
