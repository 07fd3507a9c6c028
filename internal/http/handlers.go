package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/station-forecast-service/internal/lifecycle"
	"github.com/kjstillabower/station-forecast-service/internal/models"
	"github.com/kjstillabower/station-forecast-service/internal/traffic"
	"github.com/kjstillabower/station-forecast-service/internal/validation"
)

// ForecastService is implemented by service.ForecastService.
type ForecastService interface {
	GetCurrent(ctx context.Context, location string) (models.CurrentPrediction, error)
	GetForecast(ctx context.Context, location string, horizon int) (models.ForecastResult, error)
	Locations() []string
}

// HealthConfig holds lifecycle thresholds and dependency checks for the health handler.
type HealthConfig struct {
	Thresholds lifecycle.Thresholds
	Version    string
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// SourcePing checks that the record source is readable.
	SourcePing func(ctx context.Context) error
	// PredictorCheck reports an error while the remote predictor circuit is open.
	PredictorCheck func() error
}

// Limits bounds request input.
type Limits struct {
	LocationMinLength int
	LocationMaxLength int
	MaxHorizon        int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              ForecastService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	limits           Limits
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(svc ForecastService, healthConfig *HealthConfig, logger *zap.Logger, limits Limits) *Handler {
	if limits.LocationMinLength <= 0 {
		limits.LocationMinLength = 1
	}
	if limits.LocationMaxLength <= 0 {
		limits.LocationMaxLength = 100
	}
	return &Handler{
		svc:          svc,
		healthConfig: healthConfig,
		logger:       logger,
		limits:       limits,
	}
}

// GetCurrent handles GET /weather/{location}/current.
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	h.serveCurrent(w, r, mux.Vars(r)["location"])
}

// GetForecast handles GET /weather/{location}/forecast?days=N.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	h.serveForecast(w, r, mux.Vars(r)["location"], r.URL.Query().Get("days"))
}

// PostCurrentWeather handles POST /current_weather with form field city.
func (h *Handler) PostCurrentWeather(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_FORM", "malformed form body")
		return
	}
	h.serveCurrent(w, r, r.PostForm.Get("city"))
}

// PostForecast handles POST /forecast with form fields city and optional days.
func (h *Handler) PostForecast(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_FORM", "malformed form body")
		return
	}
	h.serveForecast(w, r, r.PostForm.Get("city"), r.PostForm.Get("days"))
}

// GetLocations handles GET /locations.
func (h *Handler) GetLocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"locations": h.svc.Locations(),
	})
}

func (h *Handler) serveCurrent(w http.ResponseWriter, r *http.Request, rawLocation string) {
	location, ok := h.validLocation(w, r, rawLocation)
	if !ok {
		return
	}
	result, err := h.svc.GetCurrent(r.Context(), location)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) serveForecast(w http.ResponseWriter, r *http.Request, rawLocation, rawDays string) {
	location, ok := h.validLocation(w, r, rawLocation)
	if !ok {
		return
	}
	days, err := validation.ValidateHorizon(rawDays, h.limits.MaxHorizon)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_HORIZON", err.Error())
		return
	}
	result, err := h.svc.GetForecast(r.Context(), location, days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) validLocation(w http.ResponseWriter, r *http.Request, raw string) (string, bool) {
	location, err := validation.ValidateLocation(raw, h.limits.LocationMinLength, h.limits.LocationMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return "", false
	}
	return location, true
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != status.Name {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", status.Name),
			zap.String("reason", status.Reason))
	}
	h.healthStatusPrev = status.Name
	h.healthStatusMu.Unlock()

	statusCode := http.StatusOK
	if !status.Healthy() {
		statusCode = http.StatusServiceUnavailable
	}
	checks := make(map[string]string)
	version := "dev"
	if h.healthConfig != nil {
		if h.healthConfig.Version != "" {
			version = h.healthConfig.Version
		}
		if h.healthConfig.SourcePing != nil {
			checks["records"] = checkResult(h.healthConfig.SourcePing(r.Context()))
		}
		if h.healthConfig.CachePing != nil {
			checks["cache"] = checkResult(h.healthConfig.CachePing())
		}
		if h.healthConfig.PredictorCheck != nil {
			checks["predictor"] = checkResult(h.healthConfig.PredictorCheck())
		}
	}
	resp := map[string]interface{}{
		"status":    status.Name,
		"service":   "station-forecast-service",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if status.Reason != "" {
		resp["reason"] = status.Reason
	}
	writeJSON(w, statusCode, resp)
}

// computeHealthStatus evaluates shutting-down > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus() lifecycle.Status {
	var th lifecycle.Thresholds
	if h.healthConfig != nil {
		th = h.healthConfig.Thresholds
	}
	return lifecycle.Evaluate(th)
}

func checkResult(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// classifyError maps a service error to its HTTP status, code and message.
func classifyError(err error) (int, string, string) {
	var unsupported *models.UnsupportedLocationError
	switch {
	case errors.As(err, &unsupported):
		return http.StatusNotFound, "UNSUPPORTED_LOCATION", "City '" + unsupported.Location + "' not supported."
	case errors.Is(err, models.ErrUnsupportedLocation):
		return http.StatusNotFound, "UNSUPPORTED_LOCATION", "location not supported"
	case errors.Is(err, models.ErrInsufficientData):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_DATA", "Not enough history for this location; cannot forecast yet"
	case errors.Is(err, models.ErrPredictorFailure):
		return http.StatusInternalServerError, "PREDICTOR_FAILURE", "Unable to produce a prediction"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Prediction did not complete in time"
	default:
		return http.StatusServiceUnavailable, "SOURCE_UNAVAILABLE", "Unable to read weather records"
	}
}

// writeServiceError writes the mapped error response and records the outcome
// for the degraded check. Only server-side failures count as errors.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		traffic.RecordError()
	} else {
		traffic.RecordSuccess()
	}
	writeError(w, r, status, code, message)
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("request failed", zap.String("code", code), zap.Error(err))
	}
}
