package models

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedLocation is returned for a location outside the configured set.
	ErrUnsupportedLocation = errors.New("unsupported location")
	// ErrInsufficientData is returned when fewer than two usable records exist.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrPredictorFailure is returned when a predictor cannot be loaded or returns malformed output.
	ErrPredictorFailure = errors.New("predictor failure")
)

// UnsupportedLocationError carries the identifier the caller asked for.
type UnsupportedLocationError struct {
	Location string
}

func (e *UnsupportedLocationError) Error() string {
	return fmt.Sprintf("location %q not supported", e.Location)
}

func (e *UnsupportedLocationError) Is(target error) bool {
	return target == ErrUnsupportedLocation
}
