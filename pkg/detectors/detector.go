// Package detectors provides supervised fraud and anomaly detection algorithms.
package detectors

import "context"

// Detector is the common interface for all detection algorithms.
type Detector interface {
	// Fit trains the detector on labelled historical data.
	// data is a 2D slice where each row is a sample and each column is a feature,
	// labels holds one 0/1 value per row (1 = fraud/anomaly).
	Fit(ctx context.Context, data [][]float64, labels []int) error

	// Predict returns anomaly scores for the given samples.
	// Scores are normalized to [0, 1] where higher values indicate anomalies.
	Predict(data [][]float64) ([]float64, error)

	// PredictOne returns the anomaly score for a single sample.
	PredictOne(sample []float64) (float64, error)
}

// StreamDetector extends Detector with streaming capabilities.
type StreamDetector interface {
	Detector

	// PredictStream processes samples from a channel and outputs scores.
	PredictStream(ctx context.Context, input <-chan []float64, output chan<- Score) error
}

// Score represents an anomaly detection result.
type Score struct {
	// Value is the anomaly score in [0, 1].
	Value float64
	// IsAnomaly indicates if the score exceeds the threshold.
	IsAnomaly bool
	// Features contains the original input features.
	Features []float64
	// Metadata contains additional information.
	Metadata map[string]any
}

// Config holds common configuration for detectors.
type Config struct {
	// MinPrecision is the minimum out-of-bag precision a rule needs to be kept.
	MinPrecision float64
	// MinRecall is the minimum out-of-bag recall a rule needs to be kept.
	MinRecall float64
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns sensible defaults for detector configuration.
func DefaultConfig() Config {
	return Config{
		MinPrecision: 0.5,
		MinRecall:    0.01,
		RandomSeed:   42,
	}
}
