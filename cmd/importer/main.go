// Command importer loads a NOAA daily summaries CSV export into the SQLite
// observations table read by the service when records.backend is sqlite.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kjstillabower/station-forecast-service/internal/observability"
	"github.com/kjstillabower/station-forecast-service/internal/records"
)

func main() {
	csvPath := flag.String("csv", "data/weather.csv", "path to the daily summaries CSV export")
	dbPath := flag.String("db", "data/records.db", "path to the SQLite database")
	truncate := flag.Bool("truncate", false, "delete existing observations before importing")
	flag.Parse()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *csvPath, *dbPath, *truncate, logger); err != nil {
		logger.Error("import failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, csvPath, dbPath string, truncate bool, logger *zap.Logger) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	rows, err := records.ReadCSV(f)
	if err != nil {
		return err
	}

	db, err := records.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if truncate {
		if err := db.Truncate(ctx); err != nil {
			return err
		}
		logger.Info("observations truncated", zap.String("db", dbPath))
	}

	n, err := db.Import(ctx, rows)
	if err != nil {
		return err
	}
	logger.Info("import complete",
		zap.String("csv", csvPath),
		zap.String("db", dbPath),
		zap.Int("rows", n))
	return nil
}
