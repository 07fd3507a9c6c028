package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/station-forecast-service/internal/lifecycle"
	"github.com/kjstillabower/station-forecast-service/internal/models"
	"github.com/kjstillabower/station-forecast-service/internal/traffic"
)

var supported = []string{"NDJAMENA", "NIAMEY AERO", "TEJGAON", "WINDHOEK"}

type mockForecastService struct {
	mu           sync.Mutex
	current      models.CurrentPrediction
	forecast     models.ForecastResult
	err          error
	block        chan struct{} // if set, calls block until ctx.Done() or close
	lastLocation string
	lastHorizon  int
}

func (m *mockForecastService) wait(ctx context.Context) error {
	if m.block == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.block:
		return nil
	}
}

func (m *mockForecastService) resolve(location string) (string, error) {
	id := strings.ToUpper(strings.TrimSpace(location))
	for _, s := range supported {
		if s == id {
			return id, nil
		}
	}
	return "", &models.UnsupportedLocationError{Location: id}
}

func (m *mockForecastService) GetCurrent(ctx context.Context, location string) (models.CurrentPrediction, error) {
	if err := m.wait(ctx); err != nil {
		return models.CurrentPrediction{}, err
	}
	m.mu.Lock()
	m.lastLocation = location
	m.mu.Unlock()
	id, err := m.resolve(location)
	if err != nil {
		return models.CurrentPrediction{}, err
	}
	if m.err != nil {
		return models.CurrentPrediction{}, m.err
	}
	c := m.current
	c.Location = id
	return c, nil
}

func (m *mockForecastService) GetForecast(ctx context.Context, location string, horizon int) (models.ForecastResult, error) {
	if err := m.wait(ctx); err != nil {
		return models.ForecastResult{}, err
	}
	m.mu.Lock()
	m.lastLocation = location
	m.lastHorizon = horizon
	m.mu.Unlock()
	id, err := m.resolve(location)
	if err != nil {
		return models.ForecastResult{}, err
	}
	if m.err != nil {
		return models.ForecastResult{}, m.err
	}
	f := m.forecast
	f.Location = id
	return f, nil
}

func (m *mockForecastService) Locations() []string { return supported }

type errorResponse struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func newTestRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/weather/{location}/current", h.GetCurrent).Methods("GET")
	router.HandleFunc("/weather/{location}/forecast", h.GetForecast).Methods("GET")
	router.HandleFunc("/current_weather", h.PostCurrentWeather).Methods("POST")
	router.HandleFunc("/forecast", h.PostForecast).Methods("POST")
	router.HandleFunc("/locations", h.GetLocations).Methods("GET")
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	return router
}

func withRequestContext(req *http.Request) *http.Request {
	ctx := context.WithValue(req.Context(), "logger", zap.NewNop())
	ctx = context.WithValue(ctx, "correlation_id", "test-correlation-id")
	return req.WithContext(ctx)
}

func sampleForecast() models.ForecastResult {
	return models.ForecastResult{
		GeneratedAt: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
		Days: []models.ForecastDay{
			{Date: "2024-01-11", TemperatureMax: 36.2, TemperatureMin: 24.1, Precipitation: 0, Alert: "No extreme weather"},
			{Date: "2024-01-12", TemperatureMax: 30.5, TemperatureMin: 21.0, Precipitation: 25.3, Alert: "Possibility of Flash Flood", Alerts: []string{"Possibility of Flash Flood"}},
		},
		SafetyLinks: map[string]string{"Flash Flood Risk": "https://www.gov.uk/help-during-flood"},
	}
}

// TestHandler_GetCurrent_Success verifies the current prediction response schema.
func TestHandler_GetCurrent_Success(t *testing.T) {
	// Arrange
	svc := &mockForecastService{current: models.CurrentPrediction{TemperatureMax: 31.42, TemperatureMin: 18.07, Precipitation: 0.3}}
	handler := NewHandler(svc, nil, zap.NewNop(), Limits{})

	req := withRequestContext(httptest.NewRequest("GET", "/weather/windhoek/current", nil))
	w := httptest.NewRecorder()

	// Act
	newTestRouter(handler).ServeHTTP(w, req)

	// Assert
	if w.Code != http.StatusOK {
		t.Fatalf("GetCurrent() status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["location"] != "WINDHOEK" {
		t.Errorf("location = %v, want WINDHOEK", body["location"])
	}
	if body["temperature_max"] != 31.42 || body["temperature_min"] != 18.07 || body["precipitation"] != 0.3 {
		t.Errorf("body = %v", body)
	}
}

// TestHandler_GetForecast_Success verifies the forecast response schema and
// that the days parameter reaches the service.
func TestHandler_GetForecast_Success(t *testing.T) {
	svc := &mockForecastService{forecast: sampleForecast()}
	handler := NewHandler(svc, nil, zap.NewNop(), Limits{MaxHorizon: 14})

	req := withRequestContext(httptest.NewRequest("GET", "/weather/NIAMEY%20AERO/forecast?days=2", nil))
	w := httptest.NewRecorder()
	newTestRouter(handler).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("GetForecast() status = %d, want %d", w.Code, http.StatusOK)
	}
	if svc.lastHorizon != 2 {
		t.Errorf("horizon = %d, want 2", svc.lastHorizon)
	}
	if svc.lastLocation != "NIAMEY AERO" {
		t.Errorf("location = %q, want NIAMEY AERO", svc.lastLocation)
	}

	var body struct {
		Location    string            `json:"location"`
		GeneratedAt string            `json:"generated_at"`
		Forecast    []map[string]any  `json:"forecast"`
		SafetyLinks map[string]string `json:"safety_links"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Location != "NIAMEY AERO" {
		t.Errorf("location = %q", body.Location)
	}
	if len(body.Forecast) != 2 {
		t.Fatalf("len(forecast) = %d, want 2", len(body.Forecast))
	}
	if body.Forecast[0]["date"] != "2024-01-11" || body.Forecast[0]["alert"] != "No extreme weather" {
		t.Errorf("forecast[0] = %v", body.Forecast[0])
	}
	if body.Forecast[1]["alert"] != "Possibility of Flash Flood" {
		t.Errorf("forecast[1].alert = %v", body.Forecast[1]["alert"])
	}
	if body.SafetyLinks["Flash Flood Risk"] == "" {
		t.Errorf("safety_links = %v", body.SafetyLinks)
	}
}

func TestHandler_GetForecast_DefaultDays(t *testing.T) {
	svc := &mockForecastService{forecast: sampleForecast()}
	handler := NewHandler(svc, nil, zap.NewNop(), Limits{MaxHorizon: 14})

	req := withRequestContext(httptest.NewRequest("GET", "/weather/tejgaon/forecast", nil))
	w := httptest.NewRecorder()
	newTestRouter(handler).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if svc.lastHorizon != 0 {
		t.Errorf("horizon = %d, want 0 (service default)", svc.lastHorizon)
	}
}

func TestHandler_GetForecast_InvalidDays(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"not a number", "days=week"},
		{"over max", "days=15"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockForecastService{}
			handler := NewHandler(svc, nil, zap.NewNop(), Limits{MaxHorizon: 14})

			req := withRequestContext(httptest.NewRequest("GET", "/weather/windhoek/forecast?"+tc.query, nil))
			w := httptest.NewRecorder()
			newTestRouter(handler).ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var resp errorResponse
			_ = json.NewDecoder(w.Body).Decode(&resp)
			if resp.Error.Code != "INVALID_HORIZON" {
				t.Errorf("error.code = %q, want INVALID_HORIZON", resp.Error.Code)
			}
		})
	}
}

// TestHandler_InvalidLocation verifies that malformed locations are rejected
// before reaching the service.
func TestHandler_InvalidLocation(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"whitespace", "/weather/%20%20%20/current"},
		{"invalid chars", "/weather/wind%3Bhoek/current"},
		{"too long", "/weather/" + strings.Repeat("a", 101) + "/forecast"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockForecastService{}
			handler := NewHandler(svc, nil, zap.NewNop(), Limits{})

			req := withRequestContext(httptest.NewRequest("GET", tc.path, nil))
			w := httptest.NewRecorder()
			newTestRouter(handler).ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error.Code != "INVALID_LOCATION" {
				t.Errorf("error.code = %q, want INVALID_LOCATION", resp.Error.Code)
			}
			if resp.Error.RequestID != "test-correlation-id" {
				t.Errorf("error.requestId = %q, want test-correlation-id", resp.Error.RequestID)
			}
			if svc.lastLocation != "" {
				t.Errorf("service was called with %q", svc.lastLocation)
			}
		})
	}
}

// TestHandler_ErrorMapping verifies the status, code and message for each
// service error class.
func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		location    string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:        "unsupported location",
			location:    "paris",
			wantStatus:  http.StatusNotFound,
			wantCode:    "UNSUPPORTED_LOCATION",
			wantMessage: "City 'PARIS' not supported.",
		},
		{
			name:        "insufficient data",
			location:    "windhoek",
			err:         models.ErrInsufficientData,
			wantStatus:  http.StatusUnprocessableEntity,
			wantCode:    "INSUFFICIENT_DATA",
			wantMessage: "cannot forecast yet",
		},
		{
			name:       "predictor failure",
			location:   "windhoek",
			err:        fmt.Errorf("%w: WINDHOEK: %w", models.ErrPredictorFailure, errors.New("artifact missing")),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "PREDICTOR_FAILURE",
		},
		{
			name:       "timeout",
			location:   "windhoek",
			err:        fmt.Errorf("coalesced forecast:WINDHOEK:2024-01-10:7: %w", context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "TIMEOUT",
		},
		{
			name:       "source unavailable",
			location:   "windhoek",
			err:        errors.New("open data/weather.csv: no such file or directory"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "SOURCE_UNAVAILABLE",
		},
	}
	for _, tc := range tests {
		for _, path := range []string{"/weather/" + tc.location + "/current", "/weather/" + tc.location + "/forecast"} {
			t.Run(tc.name+" "+path, func(t *testing.T) {
				svc := &mockForecastService{err: tc.err}
				handler := NewHandler(svc, nil, zap.NewNop(), Limits{})

				req := withRequestContext(httptest.NewRequest("GET", path, nil))
				w := httptest.NewRecorder()
				newTestRouter(handler).ServeHTTP(w, req)

				if w.Code != tc.wantStatus {
					t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
				}
				var resp errorResponse
				if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if resp.Error.Code != tc.wantCode {
					t.Errorf("error.code = %q, want %q", resp.Error.Code, tc.wantCode)
				}
				if tc.wantMessage != "" && !strings.Contains(resp.Error.Message, tc.wantMessage) {
					t.Errorf("error.message = %q, want it to contain %q", resp.Error.Message, tc.wantMessage)
				}
				if strings.Contains(resp.Error.Message, "artifact missing") || strings.Contains(resp.Error.Message, "no such file") {
					t.Errorf("error.message leaks internal detail: %q", resp.Error.Message)
				}
			})
		}
	}
}

// TestHandler_FormEndpoints verifies the form-based POST endpoints.
func TestHandler_FormEndpoints(t *testing.T) {
	svc := &mockForecastService{current: models.CurrentPrediction{TemperatureMax: 20}, forecast: sampleForecast()}
	handler := NewHandler(svc, nil, zap.NewNop(), Limits{MaxHorizon: 14})
	router := newTestRouter(handler)

	form := url.Values{"city": {"  ndjamena "}}
	req := httptest.NewRequest("POST", "/current_weather", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, withRequestContext(req))

	if w.Code != http.StatusOK {
		t.Fatalf("POST /current_weather status = %d, want 200", w.Code)
	}
	var current models.CurrentPrediction
	if err := json.NewDecoder(w.Body).Decode(&current); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if current.Location != "NDJAMENA" {
		t.Errorf("location = %q, want NDJAMENA", current.Location)
	}

	form = url.Values{"city": {"Tejgaon"}, "days": {"3"}}
	req = httptest.NewRequest("POST", "/forecast", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, withRequestContext(req))

	if w.Code != http.StatusOK {
		t.Fatalf("POST /forecast status = %d, want 200", w.Code)
	}
	if svc.lastHorizon != 3 {
		t.Errorf("horizon = %d, want 3", svc.lastHorizon)
	}
}

func TestHandler_FormEndpoints_MissingCity(t *testing.T) {
	handler := NewHandler(&mockForecastService{}, nil, zap.NewNop(), Limits{})

	req := httptest.NewRequest("POST", "/forecast", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	newTestRouter(handler).ServeHTTP(w, withRequestContext(req))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandler_GetLocations(t *testing.T) {
	handler := NewHandler(&mockForecastService{}, nil, zap.NewNop(), Limits{})

	req := httptest.NewRequest("GET", "/locations", nil)
	w := httptest.NewRecorder()
	newTestRouter(handler).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Locations []string `json:"locations"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Locations) != 4 || body.Locations[1] != "NIAMEY AERO" {
		t.Errorf("locations = %v", body.Locations)
	}
}

// TestHandler_RecordsTraffic verifies that only server-side failures count
// toward the degraded error rate.
func TestHandler_RecordsTraffic(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()

	ok := NewHandler(&mockForecastService{}, nil, zap.NewNop(), Limits{})
	failing := NewHandler(&mockForecastService{err: models.ErrPredictorFailure}, nil, zap.NewNop(), Limits{})

	for _, c := range []struct {
		h    *Handler
		path string
	}{
		{ok, "/weather/windhoek/current"},
		{ok, "/weather/paris/current"},
		{failing, "/weather/windhoek/current"},
	} {
		w := httptest.NewRecorder()
		newTestRouter(c.h).ServeHTTP(w, withRequestContext(httptest.NewRequest("GET", c.path, nil)))
	}

	errs, total := traffic.ErrorRate(time.Minute)
	if errs != 1 || total != 3 {
		t.Errorf("ErrorRate() = %d/%d, want 1/3", errs, total)
	}
}

// TestHandler_GetHealth verifies the healthy response schema and dependency checks.
func TestHandler_GetHealth(t *testing.T) {
	traffic.Reset()
	healthConfig := &HealthConfig{
		Version:        "1.2.3",
		CachePing:      func() error { return nil },
		SourcePing:     func(context.Context) error { return nil },
		PredictorCheck: func() error { return errors.New("circuit open") },
	}
	handler := NewHandler(&mockForecastService{}, healthConfig, zap.NewNop(), Limits{})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.GetHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusOK)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("Health status = %q, want healthy", health["status"])
	}
	if health["service"] != "station-forecast-service" {
		t.Errorf("Health service = %q", health["service"])
	}
	if health["version"] != "1.2.3" {
		t.Errorf("Health version = %q, want 1.2.3", health["version"])
	}
	checks, ok := health["checks"].(map[string]interface{})
	if !ok {
		t.Fatal("Health checks missing")
	}
	if checks["cache"] != "healthy" || checks["records"] != "healthy" {
		t.Errorf("checks = %v", checks)
	}
	if checks["predictor"] != "unhealthy" {
		t.Errorf("predictor check = %v, want unhealthy", checks["predictor"])
	}
}

// TestHandler_GetHealth_ShuttingDown verifies that shutdown wins over every other state.
func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	lifecycle.SetShuttingDown(true)
	defer lifecycle.SetShuttingDown(false)

	handler := NewHandler(&mockForecastService{}, nil, zap.NewNop(), Limits{})
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.GetHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health["status"] != "shutting-down" {
		t.Errorf("Health status = %q, want shutting-down", health["status"])
	}
}

// TestHandler_GetHealth_Overloaded verifies the overloaded status
// (threshold = 2 rps * 1s * 40% = 0.8, so one request overloads).
func TestHandler_GetHealth_Overloaded(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	traffic.RecordSuccess()

	healthConfig := &HealthConfig{Thresholds: lifecycle.Thresholds{
		OverloadWindow:       time.Second,
		OverloadThresholdPct: 40,
		RateLimitRPS:         2,
	}}
	handler := NewHandler(&mockForecastService{}, healthConfig, zap.NewNop(), Limits{})

	w := httptest.NewRecorder()
	handler.GetHealth(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var health map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&health)
	if health["status"] != "overloaded" {
		t.Errorf("Health status = %q, want overloaded", health["status"])
	}
}

// TestHandler_GetHealth_DegradedTransitionLogged verifies the degraded status and
// that status transitions are logged once.
func TestHandler_GetHealth_DegradedTransitionLogged(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()

	core, logs := observer.New(zapcore.InfoLevel)
	healthConfig := &HealthConfig{Thresholds: lifecycle.Thresholds{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 50,
	}}
	handler := NewHandler(&mockForecastService{}, healthConfig, zap.New(core), Limits{})

	w := httptest.NewRecorder()
	handler.GetHealth(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("initial status = %d, want 200", w.Code)
	}

	traffic.RecordError()
	traffic.RecordError()
	traffic.RecordSuccess()

	w = httptest.NewRecorder()
	handler.GetHealth(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var health map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&health)
	if health["status"] != "degraded" || health["reason"] != "error_rate_breach" {
		t.Errorf("health = %v, want degraded/error_rate_breach", health)
	}

	transitions := logs.FilterMessage("health status transition").All()
	if len(transitions) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(transitions))
	}
	fields := transitions[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" {
		t.Errorf("transition fields = %v", fields)
	}
}
