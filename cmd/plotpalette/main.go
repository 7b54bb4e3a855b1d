package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/hatmanstack/plot-palette/job"
	"github.com/hatmanstack/plot-palette/job/emit"
	"github.com/hatmanstack/plot-palette/job/model"
	"github.com/hatmanstack/plot-palette/job/store"
)

func main() {
	scenario := flag.String("scenario", "complete", "which demo scenario to run: complete, budget, cancel")
	records := flag.Int("records", 5, "target record count for the demo job")
	budget := flag.Float64("budget", 5.0, "dollar budget for the demo job")
	jsonLog := flag.Bool("json-log", false, "emit observability events as JSON instead of key=value text")
	flag.Parse()

	fmt.Println(color.CyanString("=== Plot Palette generation worker demo ==="))
	fmt.Printf("scenario=%s records=%d budget=$%.4f\n\n", *scenario, *records, *budget)

	cfg, err := job.NewConfig(
		job.WithCheckpointInterval(2),
		job.WithLocalRepairAttempts(2),
		job.WithRateTable(map[string]job.TierRate{
			"small": {InputPer1M: 1.0, OutputPer1M: 2.0},
		}),
	)
	if err != nil {
		fmt.Println(color.RedString("config error: %v", err))
		os.Exit(1)
	}

	jobs := store.NewMemStore()
	templates := store.NewMemTemplateStore()
	seeds := store.NewMemSeedSource()
	exports := store.NewMemBlobStore()
	blobs := store.NewMemBlobStore()
	meta := store.NewMemMetadataStore()
	checkpts := job.NewCheckpointEngine(blobs, meta, cfg.CheckpointRetries, nil)
	emitter := emit.NewLogEmitter(os.Stdout, *jsonLog)
	cost := job.NewCostTracker(cfg.RateTable, cfg.BudgetTolerance, meta, emitter)

	if err := seedTemplateAndRows(templates, seeds); err != nil {
		fmt.Println(color.RedString("seed setup error: %v", err))
		os.Exit(1)
	}

	client := &model.MockClient{
		Responses: []model.Output{
			{Text: "a generated sentence about the row", InputTokens: 40, OutputTokens: 20},
		},
	}

	worker := job.NewWorker(jobs, templates, seeds, exports, checkpts, cost, client, emitter, cfg)

	// WorkerEntrypoint needs the dispatcher to report terminal worker errors,
	// and the runtime needs WorkerEntrypoint, so the dispatcher variable is
	// declared before the runtime closure that captures it and only
	// constructed once the runtime exists to hand to it.
	var dispatcher *job.Dispatcher
	runtime := store.NewInProcessRuntime(func(ctx context.Context, jobID string) error {
		return job.WorkerEntrypoint(worker, dispatcher)(ctx, jobID)
	})
	dispatcher = job.NewDispatcher(jobs, runtime, meta, emitter, cfg)

	rec := demoJob(uuid.NewString(), *records, *budget)
	switch *scenario {
	case "budget":
		rec.BudgetLimit = 0.0000001
	case "cancel":
		// handled below, after dispatch
	}

	ctx := context.Background()
	if err := dispatcher.Enqueue(ctx, rec); err != nil {
		fmt.Println(color.RedString("enqueue error: %v", err))
		os.Exit(1)
	}

	jobID, err := dispatcher.DispatchNext(ctx)
	if err != nil {
		fmt.Println(color.RedString("dispatch error: %v", err))
		os.Exit(1)
	}
	fmt.Println(color.GreenString("dispatched %s", jobID))

	if *scenario == "cancel" {
		time.Sleep(50 * time.Millisecond)
		if err := dispatcher.Cancel(ctx, jobID); err != nil {
			fmt.Println(color.RedString("cancel error: %v", err))
			os.Exit(1)
		}
	}

	bar := progressbar.NewOptions(*records,
		progressbar.OptionSetDescription("generating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)

	final := watchJob(ctx, dispatcher, jobs, jobID, bar)
	fmt.Println()
	printSummary(final)
}

func seedTemplateAndRows(templates *store.MemTemplateStore, seeds *store.MemSeedSource) error {
	stepsJSON, err := json.Marshal([]job.TemplateStep{
		{StepID: "body", ModelTier: "small", PromptSource: "Write one sentence about {{ .row.name }}, age {{ .row.age }}.", RequiredFields: []string{"body"}},
	})
	if err != nil {
		return err
	}
	schemaJSON, err := json.Marshal([]string{"body"})
	if err != nil {
		return err
	}
	templates.Put(store.TemplateRecord{TemplateID: "demo-template", Version: 1, StepsJSON: stepsJSON, SchemaJSON: schemaJSON})

	seeds.Put("demo-seed", []map[string]interface{}{
		{"name": "ada", "age": 36},
		{"name": "babbage", "age": 79},
		{"name": "grace", "age": 85},
		{"name": "alan", "age": 41},
		{"name": "margaret", "age": 87},
	})
	return nil
}

func demoJob(jobID string, records int, budget float64) store.JobRecord {
	now := time.Now()
	return store.JobRecord{
		JobID:           jobID,
		OwnerID:         "demo-owner",
		TemplateID:      "demo-template",
		TemplateVersion: 1,
		SeedLocator:     "demo-seed",
		TargetRecords:   records,
		BudgetLimit:     budget,
		OutputFormat:    "jsonl",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// watchJob runs the dispatcher's Reconcile and polls the job record until it
// reaches a terminal status, setting the progress bar from the record's
// RecordsGenerated, which the dispatcher fills in when it records completion.
func watchJob(ctx context.Context, dispatcher *job.Dispatcher, jobs store.JobStore, jobID string, bar *progressbar.ProgressBar) store.JobRecord {
	var last store.JobRecord
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := dispatcher.Reconcile(ctx, jobID); err != nil {
			fmt.Println(color.RedString("reconcile error: %v", err))
			os.Exit(1)
		}
		rec, err := jobs.Get(ctx, jobID)
		if err != nil {
			fmt.Println(color.RedString("lookup error: %v", err))
			os.Exit(1)
		}
		last = rec
		_ = bar.Set(rec.RecordsGenerated)
		if job.Status(rec.Status).Terminal() {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	return last
}

func printSummary(rec store.JobRecord) {
	statusColor := color.New(color.FgGreen)
	switch job.Status(rec.Status) {
	case job.StatusFailed, job.StatusBudgetExceeded:
		statusColor = color.New(color.FgRed)
	case job.StatusCancelled:
		statusColor = color.New(color.FgYellow)
	}

	fmt.Println(color.CyanString("--- summary ---"))
	statusColor.Printf("status:     %s\n", rec.Status)
	if rec.StatusReason != "" {
		fmt.Printf("reason:     %s\n", rec.StatusReason)
	}
	fmt.Printf("records:    %d generated, %d rejected\n", rec.RecordsGenerated, rec.RecordsRejected)
	fmt.Printf("tokens:     %d\n", rec.TokensUsed)
	fmt.Printf("cost:       $%.6f / $%.4f\n", rec.CostAccumulated, rec.BudgetLimit)
}
