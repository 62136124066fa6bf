package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joseph-ayodele/airraid-tracker/internal/channel"
	tgchannel "github.com/joseph-ayodele/airraid-tracker/internal/channel/telegram"
	"github.com/joseph-ayodele/airraid-tracker/internal/checkpoint"
	"github.com/joseph-ayodele/airraid-tracker/internal/common"
	"github.com/joseph-ayodele/airraid-tracker/internal/governor"
	"github.com/joseph-ayodele/airraid-tracker/internal/llm/openai"
	"github.com/joseph-ayodele/airraid-tracker/internal/pipeline"
	"github.com/joseph-ayodele/airraid-tracker/internal/retriever"
	"github.com/joseph-ayodele/airraid-tracker/internal/sink"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		configPath   = flag.String("config", "config.json", "optional JSON config file")
		createConfig = flag.Bool("create-config", false, "write config.example.json and exit")
	)
	flag.Parse()

	if *createConfig {
		if err := common.SaveExampleConfig("config.example.json"); err != nil {
			printError("Error: write example config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Saved example configuration to config.example.json")
		fmt.Println("Copy it to config.json, adjust, and run again.")
		return
	}

	cfg := common.LoadConfig()
	if err := cfg.LoadFromFile(*configPath); err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}

	// Log to stdout and, when configured, a log file as well.
	var logOut io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		lf, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			printError("Error: open log file: %v\n", err)
			os.Exit(1)
		}
		defer lf.Close()
		logOut = io.MultiWriter(os.Stdout, lf)
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
	slog.SetDefault(logger)
	cfg.Log(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := checkpoint.Open(ctx, cfg.Output.CheckpointPath, cfg.Output.SessionID, logger)
	if err != nil {
		logger.Error("failed to open checkpoint store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warn("checkpoint close error", "error", cerr)
		}
	}()

	var startCursor int64
	if cfg.Pipeline.Incremental {
		if _, err := store.Load(ctx); err != nil {
			logger.Error("failed to load checkpoint", "error", err)
			os.Exit(1)
		}
		sinkIDs, err := sink.LoadIDs(cfg.Output.File)
		if err != nil {
			logger.Error("failed to scan output file", "error", err)
			os.Exit(1)
		}
		reclaimed, err := store.Reconcile(ctx, sinkIDs)
		if err != nil {
			logger.Error("checkpoint reconciliation failed", "error", err)
			os.Exit(1)
		}
		if len(reclaimed) > 0 {
			logger.Warn("reclaimed items marked processed without output rows",
				"count", len(reclaimed))
		}
		startCursor = store.Cursor()
		logger.Info("incremental resume enabled",
			"already_processed", store.ProcessedCount(), "cursor", startCursor)
	} else {
		logger.Info("incremental resume disabled, starting a fresh scan")
	}

	out, err := sink.Open(cfg.Output.File, cfg.Output.Encoding, logger)
	if err != nil {
		logger.Error("failed to open output file", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			logger.Warn("output close error", "error", cerr)
		}
	}()

	extractor := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	}, logger)

	gov := governor.New(governor.Config{
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
		PacingDelay:   cfg.Pipeline.RequestDelay,
		MaxAttempts:   cfg.Pipeline.RetryMaxAttempts,
		MaxElapsed:    cfg.Pipeline.RetryMaxElapsed,
	}, logger)

	var stats pipeline.RunStats
	runErr := tgchannel.Connect(ctx, tgchannel.Config{
		APIID:       cfg.Telegram.APIID,
		APIHash:     cfg.Telegram.APIHash,
		SessionFile: cfg.Telegram.SessionFile,
		Channel:     cfg.Telegram.Channel,
	}, logger, func(ctx context.Context, client channel.Client) error {
		r := retriever.New(client, retriever.Config{
			Phrase:       cfg.Pipeline.SearchPhrase,
			MessageLimit: cfg.Pipeline.MessageLimit,
			StartCursor:  startCursor,
			UseSearch:    cfg.Pipeline.UseSearch,
		}, logger)
		orch := pipeline.New(r, store, extractor, gov, out, pipeline.Config{
			Phrase:        cfg.Pipeline.SearchPhrase,
			ShutdownGrace: cfg.Pipeline.ShutdownGrace,
		}, logger)
		var err error
		stats, err = orch.Run(ctx)
		return err
	})

	logger.Info("run finished",
		"found", stats.Found,
		"already_processed", stats.AlreadyProcessed,
		"dispatched", stats.Dispatched,
		"ok", stats.OK,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"abandoned", stats.Abandoned,
	)
	fmt.Printf("Run complete!\n")
	fmt.Printf("- Matching messages found: %d\n", stats.Found)
	fmt.Printf("- Previously processed:    %d\n", stats.AlreadyProcessed)
	fmt.Printf("- Extracted ok:            %d\n", stats.OK)
	fmt.Printf("- Skipped (no data):       %d\n", stats.Skipped)
	fmt.Printf("- Failed permanently:      %d\n", stats.Failed)
	fmt.Printf("- Output: %s\n", cfg.Output.File)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("run aborted", "error", runErr)
		printError("Error: %v\n", runErr)
		os.Exit(1)
	}
	if ctx.Err() != nil {
		logger.Info("interrupted; rerun to resume from the checkpoint")
	}
}
