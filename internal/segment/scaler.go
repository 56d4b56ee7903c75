package segment

import (
	"fmt"

	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/stats"
)

// ScalerArtifactKind tags exported clustering scalers.
const ScalerArtifactKind = "segment.scaler"

// Scaler standardizes clustering features to zero mean and unit variance. Constant features
// keep a unit divisor so they collapse to zero instead of dividing by zero.
type Scaler struct {
	Features []string
	Means    []float64
	Stds     []float64
}

// FitScaler learns per-column mean and population standard deviation.
func FitScaler(features []string, rows [][]float64) *Scaler {
	s := &Scaler{
		Features: append([]string(nil), features...),
		Means:    make([]float64, len(features)),
		Stds:     make([]float64, len(features)),
	}
	col := make([]float64, len(rows))
	for j := range features {
		for i, row := range rows {
			col[i] = row[j]
		}
		mean, std := stats.MeanStd(col)
		if std == 0 {
			std = 1
		}
		s.Means[j], s.Stds[j] = mean, std
	}
	return s
}

// Transform returns the standardized copy of row.
func (s *Scaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Means[j]) / s.Stds[j]
	}
	return out
}

// Inverse maps a standardized vector back into original units.
func (s *Scaler) Inverse(z []float64) []float64 {
	out := make([]float64, len(z))
	for j, v := range z {
		out[j] = v*s.Stds[j] + s.Means[j]
	}
	return out
}

// Export returns the logical artifact of a retained scaler and its centroids.
func (s *Scaler) Export(mode string, centroids [][]float64) models.ScalerArtifact {
	art := models.ScalerArtifact{
		Kind:     ScalerArtifactKind,
		Mode:     mode,
		Features: append([]string(nil), s.Features...),
		Means:    append([]float64(nil), s.Means...),
		Stds:     append([]float64(nil), s.Stds...),
	}
	for _, c := range centroids {
		art.Centroids = append(art.Centroids, append([]float64(nil), c...))
	}
	return art
}

// ImportScaler rebuilds a scaler and its centroids from an artifact.
func ImportScaler(art models.ScalerArtifact) (*Scaler, [][]float64, error) {
	if art.Kind != ScalerArtifactKind {
		return nil, nil, fmt.Errorf("import scaler: unexpected artifact kind %q", art.Kind)
	}
	n := len(art.Features)
	if n == 0 || len(art.Means) != n || len(art.Stds) != n {
		return nil, nil, fmt.Errorf("import scaler: inconsistent feature dimensions")
	}
	for i, c := range art.Centroids {
		if len(c) != n {
			return nil, nil, fmt.Errorf("import scaler: centroid %d has %d dimensions, want %d", i, len(c), n)
		}
	}
	for j, std := range art.Stds {
		if std == 0 {
			return nil, nil, fmt.Errorf("import scaler: zero scale for %s", art.Features[j])
		}
	}
	s := &Scaler{
		Features: append([]string(nil), art.Features...),
		Means:    append([]float64(nil), art.Means...),
		Stds:     append([]float64(nil), art.Stds...),
	}
	centroids := make([][]float64, len(art.Centroids))
	for i, c := range art.Centroids {
		centroids[i] = append([]float64(nil), c...)
	}
	return s, centroids, nil
}
