package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/kjstillabower/station-forecast-service/internal/records"
)

const sampleCSV = `"STATION","NAME","DATE","PRCP","TMAX","TMIN"
"WA000068110","WINDHOEK, WA","2024-01-01","0.00","95","61"
"WA000068110","WINDHOEK, WA","2024-01-02","","93","60"
"CD000004750","NDJAMENA, CD","2024-01-01","0.00","99","68"
`

func TestRun_ImportsAndTruncates(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "weather.csv")
	dbPath := filepath.Join(dir, "records.db")
	if err := os.WriteFile(csvPath, []byte(sampleCSV), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	ctx := context.Background()

	if err := run(ctx, csvPath, dbPath, false, zap.NewNop()); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if err := run(ctx, csvPath, dbPath, false, zap.NewNop()); err != nil {
		t.Fatalf("second run() error = %v", err)
	}
	if got := countRows(t, dbPath); got != 6 {
		t.Errorf("rows after two appends = %d, want 6", got)
	}

	if err := run(ctx, csvPath, dbPath, true, zap.NewNop()); err != nil {
		t.Fatalf("truncating run() error = %v", err)
	}
	if got := countRows(t, dbPath); got != 3 {
		t.Errorf("rows after truncate = %d, want 3", got)
	}
}

func TestRun_MissingCSV(t *testing.T) {
	dir := t.TempDir()
	err := run(context.Background(), filepath.Join(dir, "nope.csv"), filepath.Join(dir, "records.db"), false, zap.NewNop())
	if err == nil {
		t.Fatal("run() error = nil, want error for missing csv")
	}
}

func countRows(t *testing.T, dbPath string) int {
	t.Helper()
	db, err := records.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	rows, err := db.Rows(context.Background())
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	return len(rows)
}
