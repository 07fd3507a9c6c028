package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/kjstillabower/station-forecast-service/internal/features"
	"github.com/kjstillabower/station-forecast-service/internal/locations"
	"github.com/kjstillabower/station-forecast-service/internal/observability"
)

// outputNames is the required order of artifact outputs.
var outputNames = []string{"temperature_max", "temperature_min", "precipitation"}

// artifactFile is the on-disk model format.
type artifactFile struct {
	Location string   `json:"location"`
	Features []string `json:"features"`
	Outputs  []struct {
		Name      string    `json:"name"`
		Intercept float64   `json:"intercept"`
		Weights   []float64 `json:"weights"`
	} `json:"outputs"`
}

// LinearModel is a multi-output linear regression exported from training.
// Immutable after load.
type LinearModel struct {
	intercepts [OutputSize]float64
	weights    [OutputSize][]float64
}

// LoadArtifact reads and validates a JSON model artifact.
func LoadArtifact(path string) (*LinearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var af artifactFile
	if err := json.Unmarshal(data, &af); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	if len(af.Features) != len(features.Names) {
		return nil, fmt.Errorf("artifact expects %d features, want %d", len(af.Features), len(features.Names))
	}
	for i, name := range features.Names {
		if af.Features[i] != name {
			return nil, fmt.Errorf("artifact feature %d is %q, want %q", i, af.Features[i], name)
		}
	}
	if len(af.Outputs) != OutputSize {
		return nil, fmt.Errorf("artifact has %d outputs, want %d", len(af.Outputs), OutputSize)
	}

	m := &LinearModel{}
	for i, out := range af.Outputs {
		if out.Name != outputNames[i] {
			return nil, fmt.Errorf("artifact output %d is %q, want %q", i, out.Name, outputNames[i])
		}
		if len(out.Weights) != len(features.Names) {
			return nil, fmt.Errorf("artifact output %s has %d weights, want %d", out.Name, len(out.Weights), len(features.Names))
		}
		m.intercepts[i] = out.Intercept
		m.weights[i] = append([]float64(nil), out.Weights...)
	}
	return m, nil
}

// Predict implements Predictor.
func (m *LinearModel) Predict(_ context.Context, x []float64) ([]float64, error) {
	start := time.Now()
	out, err := m.eval(x)
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.PredictorCallsTotal.WithLabelValues("artifact", status).Inc()
	observability.PredictorDuration.WithLabelValues("artifact", status).Observe(time.Since(start).Seconds())
	return out, err
}

func (m *LinearModel) eval(x []float64) ([]float64, error) {
	if len(x) != len(features.Names) {
		return nil, fmt.Errorf("got %d features, want %d", len(x), len(features.Names))
	}
	out := make([]float64, OutputSize)
	for i := range out {
		v := m.intercepts[i]
		for j, w := range m.weights[i] {
			v += w * x[j]
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: output %s is not finite", ErrInvalidOutput, outputNames[i])
		}
		out[i] = v
	}
	return out, nil
}

// ArtifactLoader returns a Loader that resolves relative artifact paths
// against dir.
func ArtifactLoader(dir string) Loader {
	return func(_ context.Context, loc locations.Location) (Predictor, error) {
		path := loc.Artifact
		if !filepath.IsAbs(path) && dir != "" {
			path = filepath.Join(dir, path)
		}
		return LoadArtifact(path)
	}
}
