package records

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// RawRow is one uncleaned source row. Values are kept as text so cleaning
// can decide what counts as missing.
type RawRow struct {
	Station        string
	Name           string
	Date           string
	Precipitation  string
	TemperatureMax string
	TemperatureMin string
}

// Source yields every raw row of the station dataset.
type Source interface {
	Rows(ctx context.Context) ([]RawRow, error)
}

// CSVSource reads a NOAA-style daily summaries export
// (STATION, NAME, DATE, PRCP, TMAX, TMIN; extra columns ignored).
// The file is re-read on every call.
type CSVSource struct {
	path string
}

// NewCSVSource returns a CSVSource for path.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

var requiredColumns = []string{"NAME", "DATE", "PRCP", "TMAX", "TMIN"}

// Rows implements Source.
func (s *CSVSource) Rows(ctx context.Context) ([]RawRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open records csv: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// Ping checks the CSV file is readable. Used by the health handler.
func (s *CSVSource) Ping(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	return f.Close()
}

// ReadCSV parses a daily summaries export from r.
func ReadCSV(r io.Reader) ([]RawRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("records csv: missing header")
		}
		return nil, fmt.Errorf("records csv: read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("records csv: missing column %s", c)
		}
	}
	station, hasStation := cols["STATION"]

	field := func(rec []string, idx int) string {
		if idx < len(rec) {
			return rec[idx]
		}
		return ""
	}

	var rows []RawRow
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("records csv: %w", err)
		}
		row := RawRow{
			Name:           field(rec, cols["NAME"]),
			Date:           field(rec, cols["DATE"]),
			Precipitation:  field(rec, cols["PRCP"]),
			TemperatureMax: field(rec, cols["TMAX"]),
			TemperatureMin: field(rec, cols["TMIN"]),
		}
		if hasStation {
			row.Station = field(rec, station)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
