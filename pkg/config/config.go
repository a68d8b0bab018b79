// Package config loads engine and command settings from YAML with
// FRAUDRULES_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/fraudrules/pkg/detectors/rules"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FRAUDRULES_"

// Engine holds the ensemble hyperparameters.
type Engine struct {
	Estimators        int      `yaml:"estimators"`
	MaxDepth          int      `yaml:"maxDepth"`
	MinPrecision      float64  `yaml:"minPrecision"`
	MinRecall         float64  `yaml:"minRecall"`
	SamplingFraction  float64  `yaml:"samplingFraction"`
	FeatureFraction   float64  `yaml:"featureFraction"`
	MaxSamples        int      `yaml:"maxSamples"`
	FeatureCount      int      `yaml:"featureCount"`
	Bootstrap         bool     `yaml:"bootstrap"`
	BootstrapFeatures bool     `yaml:"bootstrapFeatures"`
	MaxFeatures       string   `yaml:"maxFeatures"`
	MinSamplesSplit   int      `yaml:"minSamplesSplit"`
	MinSamplesLeaf    int      `yaml:"minSamplesLeaf"`
	MaxThresholds     int      `yaml:"maxThresholds"`
	Criteria          []string `yaml:"criteria"`
	VoteThreshold     int      `yaml:"voteThreshold"`
	Workers           int      `yaml:"workers"`
	Seed              int64    `yaml:"seed"`
}

// Data describes the input tables.
type Data struct {
	LabelColumn string `yaml:"labelColumn"`
	Header      bool   `yaml:"header"`
}

// System holds process-level settings.
type System struct {
	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// Settings is the complete configuration.
type Settings struct {
	Engine Engine `yaml:"engine"`
	Data   Data   `yaml:"data"`
	System System `yaml:"system"`
}

// Default returns the settings used when nothing is configured.
func Default() Settings {
	return Settings{
		Engine: Engine{
			Estimators:       10,
			MaxDepth:         3,
			MinPrecision:     0.5,
			MinRecall:        0.01,
			SamplingFraction: 1,
			FeatureFraction:  1,
			Bootstrap:        true,
			MaxFeatures:      "all",
			MinSamplesSplit:  2,
			MinSamplesLeaf:   1,
			Criteria:         []string{rules.Gini.String()},
			VoteThreshold:    1,
			Seed:             42,
		},
		Data: Data{
			LabelColumn: "label",
			Header:      true,
		},
		System: System{
			LogLevel: "info",
		},
	}
}

// Load reads settings from path, or starts from Default when path is empty,
// then applies environment overrides and validates the result.
func Load(path string) (Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(data, &s); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}

	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

// decode overlays YAML onto s; keys absent from the document keep their value.
func decode(data []byte, s *Settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Settings) applyEnv() error {
	e := &s.Engine
	ints := map[string]*int{
		"ESTIMATORS":        &e.Estimators,
		"MAX_DEPTH":         &e.MaxDepth,
		"MAX_SAMPLES":       &e.MaxSamples,
		"FEATURE_COUNT":     &e.FeatureCount,
		"MIN_SAMPLES_SPLIT": &e.MinSamplesSplit,
		"MIN_SAMPLES_LEAF":  &e.MinSamplesLeaf,
		"MAX_THRESHOLDS":    &e.MaxThresholds,
		"VOTE_THRESHOLD":    &e.VoteThreshold,
		"WORKERS":           &e.Workers,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return envError(key, v, err)
			}
			*dst = n
		}
	}

	floats := map[string]*float64{
		"MIN_PRECISION":     &e.MinPrecision,
		"MIN_RECALL":        &e.MinRecall,
		"SAMPLING_FRACTION": &e.SamplingFraction,
		"FEATURE_FRACTION":  &e.FeatureFraction,
	}
	for key, dst := range floats {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return envError(key, v, err)
			}
			*dst = f
		}
	}

	bools := map[string]*bool{
		"BOOTSTRAP":          &e.Bootstrap,
		"BOOTSTRAP_FEATURES": &e.BootstrapFeatures,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return envError(key, v, err)
			}
			*dst = b
		}
	}
	if v, ok := lookup("MAX_FEATURES"); ok {
		e.MaxFeatures = v
	}
	if v, ok := lookup("SEED"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return envError("SEED", v, err)
		}
		e.Seed = n
	}
	if v, ok := lookup("CRITERIA"); ok {
		e.Criteria = strings.Split(v, ",")
	}
	if v, ok := lookup("LABEL_COLUMN"); ok {
		s.Data.LabelColumn = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		s.System.LogLevel = v
	}
	if v, ok := lookup("METRICS_ADDR"); ok {
		s.System.MetricsAddr = v
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func envError(key, value string, err error) error {
	return fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, key, value, err)
}

// Validate checks the settings the way the engine would, so a bad file fails
// before any data is read.
func (s Settings) Validate() error {
	e := s.Engine
	if e.Estimators <= 0 {
		return fmt.Errorf("estimators must be positive, got %d", e.Estimators)
	}
	if e.MaxDepth <= 0 {
		return fmt.Errorf("max depth must be positive, got %d", e.MaxDepth)
	}
	if !(e.MinPrecision >= 0 && e.MinPrecision <= 1) {
		return fmt.Errorf("min precision must be between 0 and 1, got %f", e.MinPrecision)
	}
	if !(e.MinRecall >= 0 && e.MinRecall <= 1) {
		return fmt.Errorf("min recall must be between 0 and 1, got %f", e.MinRecall)
	}
	if !(e.SamplingFraction > 0 && e.SamplingFraction <= 1) {
		return fmt.Errorf("sampling fraction must be in (0, 1], got %f", e.SamplingFraction)
	}
	if !(e.FeatureFraction > 0 && e.FeatureFraction <= 1) {
		return fmt.Errorf("feature fraction must be in (0, 1], got %f", e.FeatureFraction)
	}
	if e.MaxSamples < 0 {
		return fmt.Errorf("max samples must be non-negative, got %d", e.MaxSamples)
	}
	if e.FeatureCount < 0 {
		return fmt.Errorf("feature count must be non-negative, got %d", e.FeatureCount)
	}
	if _, err := rules.ParseFeatureLimit(e.MaxFeatures); err != nil {
		return err
	}
	if e.MinSamplesSplit < 2 {
		return fmt.Errorf("min samples split must be at least 2, got %d", e.MinSamplesSplit)
	}
	if e.MinSamplesLeaf < 1 {
		return fmt.Errorf("min samples leaf must be at least 1, got %d", e.MinSamplesLeaf)
	}
	if e.MaxThresholds < 0 {
		return fmt.Errorf("max thresholds must be non-negative, got %d", e.MaxThresholds)
	}
	if e.VoteThreshold < 1 {
		return fmt.Errorf("vote threshold must be at least 1, got %d", e.VoteThreshold)
	}
	if e.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", e.Workers)
	}
	if _, err := s.criteria(); err != nil {
		return err
	}
	if s.Data.LabelColumn == "" {
		return errors.New("label column cannot be empty")
	}
	if _, err := zerolog.ParseLevel(s.System.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

func (s Settings) criteria() ([]rules.Criterion, error) {
	if len(s.Engine.Criteria) == 0 {
		return nil, errors.New("at least one criterion must be specified")
	}
	out := make([]rules.Criterion, 0, len(s.Engine.Criteria))
	for _, name := range s.Engine.Criteria {
		c, err := rules.ParseCriterion(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Options converts the engine settings to ensemble options. Workers is only
// passed on when set, so zero keeps the engine's default.
func (s Settings) Options() ([]rules.Option, error) {
	criteria, err := s.criteria()
	if err != nil {
		return nil, err
	}
	e := s.Engine
	limit, err := rules.ParseFeatureLimit(e.MaxFeatures)
	if err != nil {
		return nil, err
	}
	opts := []rules.Option{
		rules.WithEstimators(e.Estimators),
		rules.WithMaxDepth(e.MaxDepth),
		rules.WithMinPrecision(e.MinPrecision),
		rules.WithMinRecall(e.MinRecall),
		rules.WithSamplingFraction(e.SamplingFraction),
		rules.WithFeatureFraction(e.FeatureFraction),
		rules.WithMaxSamples(e.MaxSamples),
		rules.WithFeatureCount(e.FeatureCount),
		rules.WithBootstrap(e.Bootstrap),
		rules.WithBootstrapFeatures(e.BootstrapFeatures),
		rules.WithMaxFeatures(limit),
		rules.WithMinSamplesSplit(e.MinSamplesSplit),
		rules.WithMinSamplesLeaf(e.MinSamplesLeaf),
		rules.WithMaxThresholds(e.MaxThresholds),
		rules.WithCriteria(criteria...),
		rules.WithVoteThreshold(e.VoteThreshold),
		rules.WithSeed(e.Seed),
	}
	if e.Workers > 0 {
		opts = append(opts, rules.WithWorkers(e.Workers))
	}
	return opts, nil
}

// Level returns the configured log level.
func (s Settings) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(s.System.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
