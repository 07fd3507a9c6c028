package forecast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/station-forecast-service/internal/alerts"
	"github.com/kjstillabower/station-forecast-service/internal/locations"
	"github.com/kjstillabower/station-forecast-service/internal/models"
	"github.com/kjstillabower/station-forecast-service/internal/predictor"
)

type fakeRecords struct {
	byID  map[string][]models.DailyRecord
	err   error
	calls []string
}

func (f *fakeRecords) LoadAndClean(_ context.Context, id string) ([]models.DailyRecord, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[id], nil
}

type fakeProvider struct {
	p   predictor.Predictor
	err error
}

func (f fakeProvider) Predictor(context.Context, string) (predictor.Predictor, error) {
	return f.p, f.err
}

type predictFunc func(x []float64) ([]float64, error)

func (f predictFunc) Predict(_ context.Context, x []float64) ([]float64, error) { return f(x) }

// echo returns (tmax_lag1, temperature_min, precipitation) so each output can
// be traced back to the feature row it came from.
var echo = predictFunc(func(x []float64) ([]float64, error) {
	return []float64{x[3], x[1], x[0]}, nil
})

func ptr(v float64) *float64 { return &v }

func series(n int) []models.DailyRecord {
	out := make([]models.DailyRecord, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = models.DailyRecord{
			Date:           start.AddDate(0, 0, i),
			Precipitation:  ptr(float64(i)),
			TemperatureMax: 20 + float64(i),
			TemperatureMin: 10 + float64(i),
		}
	}
	return out
}

func newEngine(t *testing.T, recs *fakeRecords, prov PredictorProvider, opts ...Option) *Engine {
	t.Helper()
	table, err := locations.NewTable(locations.Defaults)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	return New(recs, prov, table, append([]Option{WithClock(clock)}, opts...)...)
}

func TestPredictCurrent_UsesLatestRow(t *testing.T) {
	recs := &fakeRecords{byID: map[string][]models.DailyRecord{"WINDHOEK": series(5)}}
	e := newEngine(t, recs, fakeProvider{p: echo})

	got, err := e.PredictCurrent(context.Background(), " windhoek ")
	require.NoError(t, err)

	// latest row is i=4: tmax_lag1 = 23, tmin = 14, prcp = 4
	assert.Equal(t, models.CurrentPrediction{Location: "WINDHOEK", TemperatureMax: 23, TemperatureMin: 14, Precipitation: 4}, got)
	assert.Equal(t, []string{"WINDHOEK"}, recs.calls)
}

func TestPredictCurrent_CaseInsensitiveLookup(t *testing.T) {
	recs := &fakeRecords{byID: map[string][]models.DailyRecord{"WINDHOEK": series(3)}}
	e := newEngine(t, recs, fakeProvider{p: echo})

	a, err := e.PredictCurrent(context.Background(), " windhoek ")
	require.NoError(t, err)
	b, err := e.PredictCurrent(context.Background(), "WINDHOEK")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPredictCurrent_InsufficientData(t *testing.T) {
	tests := []struct {
		name string
		recs []models.DailyRecord
	}{
		{"no records", nil},
		{"single record", series(1)},
		{"missing precipitation everywhere", func() []models.DailyRecord {
			s := series(3)
			for i := range s {
				s[i].Precipitation = nil
			}
			return s
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := &fakeRecords{byID: map[string][]models.DailyRecord{"TEJGAON": tt.recs}}
			e := newEngine(t, recs, fakeProvider{p: echo})

			_, err := e.PredictCurrent(context.Background(), "TEJGAON")
			assert.ErrorIs(t, err, models.ErrInsufficientData)

			_, err = e.PredictForecast(context.Background(), "TEJGAON", 7)
			assert.ErrorIs(t, err, models.ErrInsufficientData)
		})
	}
}

func TestPredict_UnsupportedLocation(t *testing.T) {
	recs := &fakeRecords{}
	e := newEngine(t, recs, fakeProvider{p: echo})

	_, err := e.PredictCurrent(context.Background(), "LONDON")
	require.ErrorIs(t, err, models.ErrUnsupportedLocation)
	var ule *models.UnsupportedLocationError
	require.ErrorAs(t, err, &ule)
	assert.Equal(t, "LONDON", ule.Location)

	_, err = e.PredictForecast(context.Background(), "london", 3)
	assert.ErrorIs(t, err, models.ErrUnsupportedLocation)
	assert.Empty(t, recs.calls)
}

func TestPredictForecast_LengthIsMinOfHorizonAndRows(t *testing.T) {
	tests := []struct {
		name    string
		records int
		horizon int
		want    int
	}{
		{"three rows horizon seven", 4, 7, 3},
		{"plenty of rows", 30, 7, 7},
		{"horizon one", 30, 1, 1},
		{"zero horizon defaults to seven", 30, 0, DefaultHorizon},
		{"negative horizon defaults to seven", 30, -2, DefaultHorizon},
		{"horizon larger than default", 30, 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := &fakeRecords{byID: map[string][]models.DailyRecord{"NDJAMENA": series(tt.records)}}
			e := newEngine(t, recs, fakeProvider{p: echo})

			got, err := e.PredictForecast(context.Background(), "NDJAMENA", tt.horizon)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestPredictForecast_NonAutoregressiveDates(t *testing.T) {
	recs := &fakeRecords{byID: map[string][]models.DailyRecord{"NIAMEY AERO": series(10)}}
	e := newEngine(t, recs, fakeProvider{p: echo})

	got, err := e.PredictForecast(context.Background(), "Niamey Aero", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Rows i=7,8,9 are selected; the oldest maps to tomorrow.
	for j, p := range got {
		i := 7 + j
		assert.Equal(t, time.Date(2026, 10, 20+j, 0, 0, 0, 0, time.UTC), p.Date)
		assert.Equal(t, 20+float64(i-1), p.TemperatureMax, "day %d tmax comes from its own lag", j)
		assert.Equal(t, 10+float64(i), p.TemperatureMin)
		assert.Equal(t, float64(i), p.Precipitation)
	}
}

func TestPredictForecast_Timezone(t *testing.T) {
	recs := &fakeRecords{byID: map[string][]models.DailyRecord{"WINDHOEK": series(3)}}
	table, err := locations.NewTable(locations.Defaults)
	require.NoError(t, err)
	// 22:30 UTC is already the next day two hours east.
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 22, 30, 0, 0, time.UTC))
	tz := time.FixedZone("CAT", 2*60*60)
	e := New(recs, fakeProvider{p: echo}, table, WithClock(clock), WithTimezone(tz))

	got, err := e.PredictForecast(context.Background(), "WINDHOEK", 7)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2026-10-21", got[0].Date.Format(models.DateLayout))
	assert.Equal(t, "2026-10-22", got[1].Date.Format(models.DateLayout))
}

func TestPredict_Rounding(t *testing.T) {
	recs := &fakeRecords{byID: map[string][]models.DailyRecord{"WINDHOEK": series(2)}}
	p := predictFunc(func([]float64) ([]float64, error) {
		return []float64{31.456, -2.344, 0.125}, nil
	})
	e := newEngine(t, recs, fakeProvider{p: p})

	got, err := e.PredictCurrent(context.Background(), "WINDHOEK")
	require.NoError(t, err)
	assert.Equal(t, 31.46, got.TemperatureMax)
	assert.Equal(t, -2.34, got.TemperatureMin)
	assert.Equal(t, 0.13, got.Precipitation)
}

func TestPredict_PredictorFailure(t *testing.T) {
	tests := []struct {
		name string
		prov fakeProvider
	}{
		{"load fails", fakeProvider{err: errors.New("artifact missing")}},
		{"predict fails", fakeProvider{p: predictFunc(func([]float64) ([]float64, error) {
			return nil, errors.New("boom")
		})}},
		{"two outputs", fakeProvider{p: predictFunc(func([]float64) ([]float64, error) {
			return []float64{1, 2}, nil
		})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := &fakeRecords{byID: map[string][]models.DailyRecord{"WINDHOEK": series(4)}}
			e := newEngine(t, recs, tt.prov)

			_, err := e.PredictCurrent(context.Background(), "WINDHOEK")
			assert.ErrorIs(t, err, models.ErrPredictorFailure)
			_, err = e.PredictForecast(context.Background(), "WINDHOEK", 7)
			assert.ErrorIs(t, err, models.ErrPredictorFailure)
		})
	}
}

func TestPredict_SourceErrorPropagates(t *testing.T) {
	sourceErr := errors.New("disk gone")
	e := newEngine(t, &fakeRecords{err: sourceErr}, fakeProvider{p: echo})

	_, err := e.PredictCurrent(context.Background(), "WINDHOEK")
	assert.ErrorIs(t, err, sourceErr)
	assert.NotErrorIs(t, err, models.ErrPredictorFailure)
}

func TestRound2(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{1.005, 1.0},
		{3.14159, 3.14},
		{2.675, 2.67},
		{0.125, 0.12},
		{-0.125, -0.12},
		{0.375, 0.38},
		{47.995, 47.99},
		{34.995, 34.99},
		{19.995, 20},
		{12, 12},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, round2(tt.in), 1e-9, "round2(%v)", tt.in)
	}
}

func TestPredictForecast_RoundingDoesNotCrossAlertThresholds(t *testing.T) {
	recs := &fakeRecords{byID: map[string][]models.DailyRecord{"TEJGAON": series(2)}}
	justBelow := predictFunc(func([]float64) ([]float64, error) {
		return []float64{34.995, 20, 47.995}, nil
	})
	e := newEngine(t, recs, fakeProvider{p: justBelow})

	points, err := e.PredictForecast(context.Background(), "TEJGAON", 1)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 47.99, points[0].Precipitation)
	assert.Equal(t, 34.99, points[0].TemperatureMax)

	res := alerts.Label(points)
	assert.Equal(t, []alerts.Alert{alerts.FlashFlood}, res.Days[0])
	assert.Equal(t, []string{"Flash Flood Risk"}, res.Links)
}
