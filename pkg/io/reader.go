// Package io provides input/output utilities for data ingestion and scoring output.
package io

import (
	"context"
	"fmt"
)

// Dataset is an encoded numeric matrix with its feature schema.
type Dataset struct {
	// Features names the columns of X, in order.
	Features []string
	// X holds one row per sample.
	X [][]float64
	// Labels holds one 0/1 label per row; nil for unlabelled data.
	Labels []int
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.X)
}

// Positives returns the number of rows labelled 1.
func (d *Dataset) Positives() int {
	n := 0
	for _, l := range d.Labels {
		if l == 1 {
			n++
		}
	}
	return n
}

// Validate checks that every row matches the schema and that labels, when
// present, are one per row.
func (d *Dataset) Validate() error {
	for i, row := range d.X {
		if len(row) != len(d.Features) {
			return fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(d.Features))
		}
	}
	if d.Labels != nil && len(d.Labels) != len(d.X) {
		return fmt.Errorf("%d labels for %d rows", len(d.Labels), len(d.X))
	}
	return nil
}

// Reader is the interface for reading data from various sources.
type Reader interface {
	// Read returns the complete dataset.
	Read() (*Dataset, error)

	// Stream returns a channel of samples for real-time processing.
	Stream(ctx context.Context) (<-chan Sample, error)

	// Close releases resources.
	Close() error
}

// Sample is one streamed feature vector.
type Sample struct {
	// Index is the sample's position in the source, counting records the
	// reader dropped, so results can be matched back to their input.
	Index  int
	Values []float64
}

// FeatureExtractor extracts numerical features from raw data.
type FeatureExtractor interface {
	// FeatureNames returns the names of extracted features.
	FeatureNames() []string
}

// Writer is the interface for writing detection results.
type Writer interface {
	// Write outputs a single result.
	Write(result Result) error

	// WriteAll outputs multiple results.
	WriteAll(results []Result) error

	// Close releases resources.
	Close() error
}

// Result represents a scored sample.
type Result struct {
	Index        int     `json:"index"`
	Score        float64 `json:"score"`
	MatchedRules int     `json:"matched_rules"`
	IsAnomaly    bool    `json:"is_anomaly"`
	Label        *int    `json:"label,omitempty"`
}
