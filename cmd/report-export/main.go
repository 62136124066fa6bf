package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joseph-ayodele/airraid-tracker/internal/export"
)

func main() {
	var (
		in  = flag.String("in", "ukraine_airforce_updates.csv", "input CSV produced by the scraper")
		out = flag.String("out", "attack_reports.xlsx", "output XLSX file path")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	svc := export.NewService(logger)
	data, err := svc.ReportsXLSX(*in)
	if err != nil {
		logger.Error("export failed", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}

	logger.Info("export written", "input", *in, "output", *out)
	fmt.Printf("Exported %s to %s\n", *in, *out)
}
