package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kjstillabower/station-forecast-service/internal/circuitbreaker"
)

// ErrInvalidOutput marks a prediction that is not exactly three finite values.
var ErrInvalidOutput = errors.New("invalid predictor output")

// ErrorCategory is a stable label for predictor failures in metrics.
type ErrorCategory string

const (
	ErrorCategoryTimeout       ErrorCategory = "timeout"
	ErrorCategoryNetwork       ErrorCategory = "network"
	ErrorCategoryUnauthorized  ErrorCategory = "unauthorized"
	ErrorCategoryModelNotFound ErrorCategory = "model_not_found"
	ErrorCategoryRateLimited   ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx   ErrorCategory = "upstream_5xx"
	ErrorCategoryCircuitOpen   ErrorCategory = "circuit_open"
	ErrorCategoryInvalidOutput ErrorCategory = "invalid_output"
	ErrorCategoryArtifact      ErrorCategory = "artifact"
	ErrorCategoryParsing       ErrorCategory = "parsing"
	ErrorCategoryUnknown       ErrorCategory = "unknown"
)

// CategorizeError maps a predictor error to an ErrorCategory.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrorCategoryCircuitOpen
	}
	if errors.Is(err, ErrInvalidOutput) {
		return ErrorCategoryInvalidOutput
	}
	if errors.Is(err, ErrUnauthorized) {
		return ErrorCategoryUnauthorized
	}
	if errors.Is(err, ErrModelNotFound) {
		return ErrorCategoryModelNotFound
	}
	if errors.Is(err, ErrRateLimited) {
		return ErrorCategoryRateLimited
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return ErrorCategoryUpstream5xx
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "artifact") {
		return ErrorCategoryArtifact
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}
	return ErrorCategoryUnknown
}

// ValidateOutput checks that out holds exactly OutputSize finite values.
func ValidateOutput(out []float64) error {
	if len(out) != OutputSize {
		return fmt.Errorf("%w: got %d values, want %d", ErrInvalidOutput, len(out), OutputSize)
	}
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: value %d is not finite", ErrInvalidOutput, i)
		}
	}
	return nil
}
