package records

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

const observationsTable = "observations"

const createObservationsSQL = `
CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	station TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	date TEXT NOT NULL,
	prcp TEXT NOT NULL DEFAULT '',
	tmax TEXT NOT NULL DEFAULT '',
	tmin TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_observations_name ON observations(name);
`

// SQLiteSource serves raw rows from an observations table. Values are stored
// as text exactly as exported so cleaning rules match the CSV path.
type SQLiteSource struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createObservationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create observations table: %w", err)
	}
	return &SQLiteSource{db: db}, nil
}

// Rows implements Source.
func (s *SQLiteSource) Rows(ctx context.Context) ([]RawRow, error) {
	query, args, err := sq.Select("station", "name", "date", "prcp", "tmax", "tmin").
		From(observationsTable).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build observations query: %w", err)
	}

	rs, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rs.Close()

	var rows []RawRow
	for rs.Next() {
		var r RawRow
		if err := rs.Scan(&r.Station, &r.Name, &r.Date, &r.Precipitation, &r.TemperatureMax, &r.TemperatureMin); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		rows = append(rows, r)
	}
	return rows, rs.Err()
}

// Import appends rows in a single transaction and returns the number written.
func (s *SQLiteSource) Import(ctx context.Context, rows []RawRow) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	n := 0
	for _, r := range rows {
		_, err := sq.Insert(observationsTable).
			Columns("station", "name", "date", "prcp", "tmax", "tmin").
			Values(r.Station, r.Name, r.Date, r.Precipitation, r.TemperatureMax, r.TemperatureMin).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return n, fmt.Errorf("insert observation %d: %w", n, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return n, nil
}

// Truncate removes all stored observations.
func (s *SQLiteSource) Truncate(ctx context.Context) error {
	query, args, err := sq.Delete(observationsTable).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// Ping checks database reachability.
func (s *SQLiteSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}
