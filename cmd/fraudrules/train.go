package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hed1ad/fraudrules/pkg/config"
	"github.com/hed1ad/fraudrules/pkg/detectors/rules"
	fio "github.com/hed1ad/fraudrules/pkg/io"
	"github.com/hed1ad/fraudrules/pkg/io/csv"
	"github.com/hed1ad/fraudrules/pkg/metrics"
)

// engineFlags are the hyperparameters exposed on every command that fits.
// A flag only overrides the loaded settings when it was set explicitly.
type engineFlags struct {
	estimators   int
	maxDepth     int
	minPrecision float64
	minRecall    float64
	criteria     []string
	maxSamples   int
	maxFeatures  string
	bootFeatures bool
	seed         int64
	workers      int
	labelColumn  string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().IntVarP(&(f.estimators), "estimators", "n", d.Engine.Estimators, "number of bagging iterations")
	cmd.Flags().IntVarP(&(f.maxDepth), "max-depth", "d", d.Engine.MaxDepth, "maximum depth of each tree")
	cmd.Flags().Float64Var(&(f.minPrecision), "min-precision", d.Engine.MinPrecision, "minimum out-of-bag precision of a kept rule")
	cmd.Flags().Float64Var(&(f.minRecall), "min-recall", d.Engine.MinRecall, "minimum out-of-bag recall of a kept rule")
	cmd.Flags().StringSliceVar(&(f.criteria), "criteria", d.Engine.Criteria, "split criteria to grow trees with: gini, entropy, mse")
	cmd.Flags().IntVar(&(f.maxSamples), "max-samples", d.Engine.MaxSamples, "rows drawn per estimator (defaults to 0: use the sampling fraction)")
	cmd.Flags().StringVar(&(f.maxFeatures), "max-features", d.Engine.MaxFeatures, "features examined per split: all, auto, sqrt, log2, a count or a fraction")
	cmd.Flags().BoolVar(&(f.bootFeatures), "bootstrap-features", d.Engine.BootstrapFeatures, "draw each estimator's features with replacement")
	cmd.Flags().Int64Var(&(f.seed), "seed", d.Engine.Seed, "random seed")
	cmd.Flags().IntVar(&(f.workers), "workers", 0, "trees grown concurrently (defaults to GOMAXPROCS)")
	cmd.Flags().StringVarP(&(f.labelColumn), "label", "l", d.Data.LabelColumn, "name of the 0/1 label column in the training CSV")
}

func (f *engineFlags) apply(cmd *cobra.Command, s *config.Settings) {
	changed := cmd.Flags().Changed
	if changed("estimators") {
		s.Engine.Estimators = f.estimators
	}
	if changed("max-depth") {
		s.Engine.MaxDepth = f.maxDepth
	}
	if changed("min-precision") {
		s.Engine.MinPrecision = f.minPrecision
	}
	if changed("min-recall") {
		s.Engine.MinRecall = f.minRecall
	}
	if changed("criteria") {
		s.Engine.Criteria = f.criteria
	}
	if changed("max-samples") {
		s.Engine.MaxSamples = f.maxSamples
	}
	if changed("max-features") {
		s.Engine.MaxFeatures = f.maxFeatures
	}
	if changed("bootstrap-features") {
		s.Engine.BootstrapFeatures = f.bootFeatures
	}
	if changed("seed") {
		s.Engine.Seed = f.seed
	}
	if changed("workers") {
		s.Engine.Workers = f.workers
	}
	if changed("label") {
		s.Data.LabelColumn = f.labelColumn
	}
}

// env is what a command needs once flags and config are resolved.
type env struct {
	settings config.Settings
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func (rc *rootCmdConfig) env(cmd *cobra.Command, flags *engineFlags) (*env, error) {
	s, err := config.Load(rc.configPath)
	if err != nil {
		return nil, err
	}
	if flags != nil {
		flags.apply(cmd, &s)
	}
	if rc.logLevel != "" {
		s.System.LogLevel = rc.logLevel
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	return &env{
		settings: s,
		logger:   newLogger(s.Level()),
		registry: registry,
		metrics:  metrics.NewWithRegistry(registry),
	}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// readTraining reads a labelled CSV file, or STDIN when path is empty.
func (e *env) readTraining(path string) (*fio.Dataset, error) {
	var in io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening training set at %s: %w", path, err)
		}
		defer f.Close()
		in = f
	} else {
		e.logger.Info().Msg("reading training set from STDIN")
	}

	r, err := csv.FromReader(in, csv.WithHeader(e.settings.Data.Header), csv.WithLabelColumn(e.settings.Data.LabelColumn))
	if err != nil {
		return nil, err
	}
	ds, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading training set: %w", err)
	}
	if n := r.Skipped(); n > 0 {
		e.logger.Warn().Int("rows", n).Msg("skipped malformed training rows")
	}
	return ds, nil
}

// train fits an ensemble on ds with the resolved settings.
func (e *env) train(ctx context.Context, ds *fio.Dataset) (*rules.Ensemble, error) {
	opts, err := e.settings.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		rules.WithFeatureNames(ds.Features...),
		rules.WithLogger(e.logger),
		rules.WithMetrics(e.metrics),
	)

	e.logger.Info().
		Int("samples", ds.Len()).
		Int("features", len(ds.Features)).
		Int("positives", ds.Positives()).
		Msg("fitting rule ensemble")

	ens := rules.New(opts...)
	if err := ens.Fit(ctx, ds.X, ds.Labels); err != nil {
		return nil, fmt.Errorf("fitting rules: %w", err)
	}
	return ens, nil
}
