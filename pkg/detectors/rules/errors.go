package rules

import "errors"

var (
	// ErrInvalidConfiguration is returned by Fit when a hyperparameter is out of range.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrDimensionMismatch is returned when a row length disagrees with the feature count.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNotFitted is returned when scoring a model that has not been trained.
	ErrNotFitted = errors.New("model not trained")
	// ErrEmptyData is returned by Fit when there is nothing to train on.
	ErrEmptyData = errors.New("empty training data")
	// ErrInvalidLabel is returned by Fit when a label is neither 0 nor 1.
	ErrInvalidLabel = errors.New("invalid label")
	// ErrNonFinite is returned when a feature value is NaN or infinite.
	ErrNonFinite = errors.New("non-finite feature value")
)
