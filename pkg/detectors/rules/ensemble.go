// Package rules implements a supervised fraud detector that induces compact,
// high-precision logical rules from an ensemble of decision trees.
//
// Each estimator draws a sub-sample of the training rows, grows one tree per
// configured criterion on it and turns every node of those trees into a
// candidate rule. Candidates are scored on the rows the tree never saw (its
// out-of-bag set), filtered by minimum precision and recall, deduplicated and
// ranked. A sample's score is the number of selected rules it satisfies.
package rules

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/fraudrules/pkg/detectors"
	"github.com/hed1ad/fraudrules/pkg/metrics"
)

// Ensemble fits and applies a rule set extracted from bagged trees.
type Ensemble struct {
	mu sync.RWMutex

	// Configuration
	estimators       int
	maxDepth         int
	minPrecision     float64
	minRecall        float64
	samplingFraction float64
	featureFraction  float64
	maxSamples       int
	featureCount     int
	bootstrap        bool
	bootstrapFeature bool
	maxFeatures      FeatureLimit
	minSamplesSplit  int
	minSamplesLeaf   int
	maxThresholds    int
	criteria         []Criterion
	voteThreshold    int
	workers          int
	seed             int64
	featureNames     []string
	logger           zerolog.Logger
	metrics          *metrics.Metrics

	// Trained model
	ruleSet   RuleSet
	names     []string
	nFeatures int
	outOfBag  [][]int
	trained   bool
}

var _ detectors.StreamDetector = (*Ensemble)(nil)

// Option configures an Ensemble.
type Option func(*Ensemble)

// WithEstimators sets the number of sub-sampling iterations.
func WithEstimators(n int) Option {
	return func(e *Ensemble) {
		e.estimators = n
	}
}

// WithMaxDepth sets the depth limit of every tree.
func WithMaxDepth(d int) Option {
	return func(e *Ensemble) {
		e.maxDepth = d
	}
}

// WithMinPrecision sets the minimum out-of-bag precision of a kept rule.
func WithMinPrecision(p float64) Option {
	return func(e *Ensemble) {
		e.minPrecision = p
	}
}

// WithMinRecall sets the minimum out-of-bag recall of a kept rule.
func WithMinRecall(r float64) Option {
	return func(e *Ensemble) {
		e.minRecall = r
	}
}

// WithSamplingFraction sets the size of each draw as a fraction of the
// training rows, in (0, 1].
func WithSamplingFraction(f float64) Option {
	return func(e *Ensemble) {
		e.samplingFraction = f
	}
}

// WithFeatureFraction sets the fraction of features each estimator may split on.
func WithFeatureFraction(f float64) Option {
	return func(e *Ensemble) {
		e.featureFraction = f
	}
}

// WithMaxSamples sets the size of each draw as a row count. It overrides the
// sampling fraction; 0 falls back to it. A count above the number of training
// rows is clamped with a warning.
func WithMaxSamples(n int) Option {
	return func(e *Ensemble) {
		e.maxSamples = n
	}
}

// WithFeatureCount sets the number of features each estimator may split on.
// It overrides the feature fraction; 0 falls back to it. A count above the
// number of features is clamped with a warning.
func WithFeatureCount(n int) Option {
	return func(e *Ensemble) {
		e.featureCount = n
	}
}

// WithBootstrapFeatures selects drawing each estimator's features with
// (true) or without replacement. Repeated draws collapse, so an estimator
// may end up with fewer features than requested.
func WithBootstrapFeatures(b bool) Option {
	return func(e *Ensemble) {
		e.bootstrapFeature = b
	}
}

// WithMaxFeatures limits the features a tree examines at each split to a
// random subset of its estimator's features, redrawn at every node.
func WithMaxFeatures(l FeatureLimit) Option {
	return func(e *Ensemble) {
		e.maxFeatures = l
	}
}

// WithBootstrap selects drawing rows with (true) or without replacement.
func WithBootstrap(b bool) Option {
	return func(e *Ensemble) {
		e.bootstrap = b
	}
}

// WithMinSamplesSplit sets the smallest node that may still be split.
func WithMinSamplesSplit(n int) Option {
	return func(e *Ensemble) {
		e.minSamplesSplit = n
	}
}

// WithMinSamplesLeaf sets the smallest child a split may produce.
func WithMinSamplesLeaf(n int) Option {
	return func(e *Ensemble) {
		e.minSamplesLeaf = n
	}
}

// WithMaxThresholds caps the candidate thresholds per feature at each node.
func WithMaxThresholds(n int) Option {
	return func(e *Ensemble) {
		e.maxThresholds = n
	}
}

// WithCriteria sets the impurity criteria. Every estimator grows one tree per
// criterion on the same draw.
func WithCriteria(c ...Criterion) Option {
	return func(e *Ensemble) {
		e.criteria = append([]Criterion(nil), c...)
	}
}

// WithVoteThreshold sets how many rules must match for a sample to be flagged.
func WithVoteThreshold(n int) Option {
	return func(e *Ensemble) {
		e.voteThreshold = n
	}
}

// WithWorkers bounds the number of estimators fitted concurrently.
func WithWorkers(n int) Option {
	return func(e *Ensemble) {
		e.workers = n
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(e *Ensemble) {
		e.seed = seed
	}
}

// WithFeatureNames names the feature columns used when rendering rules.
func WithFeatureNames(names ...string) Option {
	return func(e *Ensemble) {
		e.featureNames = append([]string(nil), names...)
	}
}

// WithConfig applies the common detector configuration.
func WithConfig(c detectors.Config) Option {
	return func(e *Ensemble) {
		e.minPrecision = c.MinPrecision
		e.minRecall = c.MinRecall
		e.seed = c.RandomSeed
	}
}

// WithLogger sets the logger used to report fitting progress.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Ensemble) {
		e.logger = l
	}
}

// WithMetrics records training and scoring activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Ensemble) {
		e.metrics = m
	}
}

// New creates a new Ensemble with the given options.
func New(opts ...Option) *Ensemble {
	cfg := detectors.DefaultConfig()
	e := &Ensemble{
		estimators:       10,
		maxDepth:         3,
		minPrecision:     cfg.MinPrecision,
		minRecall:        cfg.MinRecall,
		samplingFraction: 1,
		featureFraction:  1,
		bootstrap:        true,
		minSamplesSplit:  2,
		minSamplesLeaf:   1,
		criteria:         []Criterion{Gini},
		voteThreshold:    1,
		workers:          runtime.GOMAXPROCS(0),
		seed:             cfg.RandomSeed,
		logger:           zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// validate checks the hyperparameters before any work starts.
func (e *Ensemble) validate() error {
	switch {
	case e.estimators < 1:
		return fmt.Errorf("%w: estimators must be >= 1, got %d", ErrInvalidConfiguration, e.estimators)
	case e.maxDepth < 1:
		return fmt.Errorf("%w: max depth must be >= 1, got %d", ErrInvalidConfiguration, e.maxDepth)
	case !(e.samplingFraction > 0 && e.samplingFraction <= 1):
		return fmt.Errorf("%w: sampling fraction must be in (0, 1], got %v", ErrInvalidConfiguration, e.samplingFraction)
	case !(e.featureFraction > 0 && e.featureFraction <= 1):
		return fmt.Errorf("%w: feature fraction must be in (0, 1], got %v", ErrInvalidConfiguration, e.featureFraction)
	case !(e.minPrecision >= 0 && e.minPrecision <= 1):
		return fmt.Errorf("%w: min precision must be in [0, 1], got %v", ErrInvalidConfiguration, e.minPrecision)
	case !(e.minRecall >= 0 && e.minRecall <= 1):
		return fmt.Errorf("%w: min recall must be in [0, 1], got %v", ErrInvalidConfiguration, e.minRecall)
	case len(e.criteria) == 0:
		return fmt.Errorf("%w: at least one criterion is required", ErrInvalidConfiguration)
	case e.voteThreshold < 1:
		return fmt.Errorf("%w: vote threshold must be >= 1, got %d", ErrInvalidConfiguration, e.voteThreshold)
	case e.maxSamples < 0:
		return fmt.Errorf("%w: max samples must not be negative, got %d", ErrInvalidConfiguration, e.maxSamples)
	case e.featureCount < 0:
		return fmt.Errorf("%w: feature count must not be negative, got %d", ErrInvalidConfiguration, e.featureCount)
	case e.minSamplesLeaf < 0 || e.minSamplesSplit < 0 || e.maxThresholds < 0:
		return fmt.Errorf("%w: tree size limits must not be negative", ErrInvalidConfiguration)
	}
	if err := e.maxFeatures.validate(); err != nil {
		return err
	}
	for _, c := range e.criteria {
		if c < Gini || c > MSE {
			return fmt.Errorf("%w: unknown criterion %v", ErrInvalidConfiguration, c)
		}
	}
	return nil
}

func validateData(data [][]float64, labels []int, names []string) (int, error) {
	if len(data) == 0 {
		return 0, ErrEmptyData
	}
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return 0, fmt.Errorf("%w: samples have no features", ErrDimensionMismatch)
	}
	for i, row := range data {
		if len(row) != nFeatures {
			return 0, fmt.Errorf("%w: row %d has %d features, expected %d", ErrDimensionMismatch, i, len(row), nFeatures)
		}
		if err := checkFinite(row); err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
	}
	if len(labels) != len(data) {
		return 0, fmt.Errorf("%w: %d labels for %d samples", ErrDimensionMismatch, len(labels), len(data))
	}
	for i, l := range labels {
		if l != 0 && l != 1 {
			return 0, fmt.Errorf("%w: label %d at row %d, expected 0 or 1", ErrInvalidLabel, l, i)
		}
	}
	if len(names) > 0 && len(names) != nFeatures {
		return 0, fmt.Errorf("%w: %d feature names for %d features", ErrDimensionMismatch, len(names), nFeatures)
	}
	return nFeatures, nil
}

// checkFinite rejects NaN and infinite values, which match neither side of a split.
func checkFinite(row []float64) error {
	for j, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: feature %d is %v", ErrNonFinite, j, v)
		}
	}
	return nil
}

// estimate is the private output of one estimator.
type estimate struct {
	rules    []Rule
	outOfBag []int
}

// Fit trains the ensemble on the provided data. Cancelling ctx aborts the fit
// between estimators; the previously trained model, if any, is left in place.
// A fit where no rule meets the thresholds succeeds and leaves Empty() true.
func (e *Ensemble) Fit(ctx context.Context, data [][]float64, labels []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	if err := e.fit(ctx, data, labels); err != nil {
		e.metrics.ObserveFitFailure()
		return err
	}
	e.metrics.ObserveFit(e.ruleSet.Len(), time.Since(start))
	return nil
}

func (e *Ensemble) fit(ctx context.Context, data [][]float64, labels []int) error {
	if err := e.validate(); err != nil {
		return err
	}
	nFeatures, err := validateData(data, labels, e.featureNames)
	if err != nil {
		return err
	}

	target := make([]float64, len(labels))
	for i, l := range labels {
		target[i] = float64(l)
	}
	sizes := drawSizes{
		rows:     e.sampleSize(len(data)),
		features: e.featureSize(nFeatures),
	}

	// Seeds are drawn up front so results do not depend on scheduling.
	rng := rand.New(rand.NewSource(e.seed))
	seeds := make([]int64, e.estimators)
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	workers := e.workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}

	estimates := make([]estimate, e.estimators)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < e.estimators; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			estimates[i] = e.runEstimator(i, seeds[i], data, target, labels, nFeatures, sizes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fit aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("fit aborted: %w", err)
	}

	var pool []Rule
	outOfBag := make([][]int, 0, e.estimators*len(e.criteria))
	for _, est := range estimates {
		for _, r := range est.rules {
			r.Provenance.Order = len(pool)
			pool = append(pool, r)
		}
		for range e.criteria {
			outOfBag = append(outOfBag, est.outOfBag)
		}
	}

	selected := Select(pool, e.minPrecision, e.minRecall)

	e.ruleSet = newRuleSet(selected)
	e.nFeatures = nFeatures
	e.names = resolveNames(e.featureNames, nFeatures)
	e.outOfBag = outOfBag
	e.trained = true

	if e.ruleSet.Empty() {
		e.logger.Warn().
			Int("candidates", len(pool)).
			Float64("min_precision", e.minPrecision).
			Float64("min_recall", e.minRecall).
			Msg("no rule met the selection thresholds")
		return nil
	}
	sum := e.ruleSet.Summary()
	e.logger.Info().
		Int("trees", len(outOfBag)).
		Int("candidates", len(pool)).
		Int("rules", sum.Rules).
		Float64("mean_precision", sum.MeanPrecision).
		Float64("mean_recall", sum.MeanRecall).
		Msg("rule set fitted")
	return nil
}

// drawSizes holds the per-estimator draw sizes resolved once per fit.
type drawSizes struct {
	rows     int
	features int
}

// sampleSize resolves the number of rows drawn per estimator.
func (e *Ensemble) sampleSize(n int) int {
	if e.maxSamples > 0 {
		if e.maxSamples > n {
			e.logger.Warn().
				Int("max_samples", e.maxSamples).
				Int("rows", n).
				Msg("max samples exceeds the training rows, drawing all rows")
			return n
		}
		return e.maxSamples
	}
	return clamp(int(math.Round(e.samplingFraction*float64(n))), 1, n)
}

// featureSize resolves the number of features drawn per estimator.
func (e *Ensemble) featureSize(n int) int {
	if e.featureCount > 0 {
		if e.featureCount > n {
			e.logger.Warn().
				Int("feature_count", e.featureCount).
				Int("features", n).
				Msg("feature count exceeds the available features, drawing all features")
			return n
		}
		return e.featureCount
	}
	return clamp(int(math.Round(e.featureFraction*float64(n))), 1, n)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// runEstimator draws one sub-sample, grows a tree per criterion on it and
// returns the extracted rules evaluated on the out-of-bag rows.
func (e *Ensemble) runEstimator(iter int, seed int64, data [][]float64, target []float64, labels []int, nFeatures int, sizes drawSizes) estimate {
	rng := rand.New(rand.NewSource(seed))
	inBag := e.draw(rng, len(data), sizes.rows)
	features := e.pickFeatures(rng, nFeatures, sizes.features)

	var est estimate
	for k, c := range e.criteria {
		tree := FitTree(data, target, inBag, features, TreeConfig{
			Criterion:       c,
			MaxDepth:        e.maxDepth,
			MinSamplesSplit: e.minSamplesSplit,
			MinSamplesLeaf:  e.minSamplesLeaf,
			MaxThresholds:   e.maxThresholds,
			MaxFeatures:     e.maxFeatures,
			Rand:            rand.New(rand.NewSource(rng.Int63())),
		})
		id := iter*len(e.criteria) + k
		rules := ExtractRules(tree, id)
		for j := range rules {
			rules[j].Stats = Evaluate(rules[j], data, labels, tree.OutOfBag)
		}
		est.rules = append(est.rules, rules...)
		est.outOfBag = tree.OutOfBag
		e.metrics.ObserveTree(len(rules))
		e.logger.Debug().
			Int("tree", id).
			Str("criterion", c.String()).
			Int("nodes", len(tree.Nodes)).
			Int("out_of_bag", len(tree.OutOfBag)).
			Int("rules", len(rules)).
			Msg("tree fitted")
	}
	return est
}

// draw returns size in-bag row indices out of n.
func (e *Ensemble) draw(rng *rand.Rand, n, size int) []int {
	if !e.bootstrap {
		return rng.Perm(n)[:size]
	}
	idx := make([]int, size)
	for i := range idx {
		idx[i] = rng.Intn(n)
	}
	return idx
}

// pickFeatures returns at most k sorted, distinct feature columns out of n.
func (e *Ensemble) pickFeatures(rng *rand.Rand, n, k int) []int {
	if e.bootstrapFeature {
		seen := make([]bool, n)
		for i := 0; i < k; i++ {
			seen[rng.Intn(n)] = true
		}
		picked := make([]int, 0, k)
		for f, ok := range seen {
			if ok {
				picked = append(picked, f)
			}
		}
		return picked
	}
	if k >= n {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}
	picked := rng.Perm(n)[:k]
	sort.Ints(picked)
	return picked
}

func resolveNames(names []string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = featureName(names, i)
	}
	return out
}

// Score returns, for every sample, the number of selected rules it matches.
func (e *Ensemble) Score(data [][]float64) ([]int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.score(data)
}

func (e *Ensemble) score(data [][]float64) ([]int, error) {
	if !e.trained {
		return nil, ErrNotFitted
	}

	counts := make([]int, len(data))
	for i, sample := range data {
		if len(sample) != e.nFeatures {
			return nil, fmt.Errorf("%w: sample %d has %d features, expected %d", ErrDimensionMismatch, i, len(sample), e.nFeatures)
		}
		if err := checkFinite(sample); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		counts[i] = e.ruleSet.Count(sample)
	}
	e.metrics.ObserveScores(counts)
	return counts, nil
}

// normalize turns a rule-match count into the fraction of rules matched.
func (e *Ensemble) normalize(count int) float64 {
	if e.ruleSet.Empty() {
		return 0
	}
	return float64(count) / float64(e.ruleSet.Len())
}

// Predict returns the fraction of selected rules each sample matches, in [0, 1].
// Every score is 0 when the rule set is empty.
func (e *Ensemble) Predict(data [][]float64) ([]float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	counts, err := e.score(data)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(counts))
	for i, c := range counts {
		scores[i] = e.normalize(c)
	}
	return scores, nil
}

// PredictOne returns the normalized score of a single sample.
func (e *Ensemble) PredictOne(sample []float64) (float64, error) {
	scores, err := e.Predict([][]float64{sample})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}

// Classify returns 1 for samples matched by at least VoteThreshold rules and 0 otherwise.
func (e *Ensemble) Classify(data [][]float64) ([]int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	counts, err := e.score(data)
	if err != nil {
		return nil, err
	}

	labels := make([]int, len(counts))
	for i, c := range counts {
		if c >= e.voteThreshold {
			labels[i] = 1
		}
	}
	return labels, nil
}

// PredictStream processes samples from a channel. It stops at the first
// sample that cannot be scored and returns its error.
func (e *Ensemble) PredictStream(ctx context.Context, input <-chan []float64, output chan<- detectors.Score) error {
	e.mu.RLock()
	if !e.trained {
		e.mu.RUnlock()
		return ErrNotFitted
	}
	e.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-input:
			if !ok {
				return nil
			}

			e.mu.RLock()
			counts, err := e.score([][]float64{sample})
			var score detectors.Score
			if err == nil {
				score = detectors.Score{
					Value:     e.normalize(counts[0]),
					IsAnomaly: counts[0] >= e.voteThreshold,
					Features:  sample,
					Metadata:  map[string]any{"matched_rules": counts[0]},
				}
			}
			e.mu.RUnlock()
			if err != nil {
				return err
			}

			select {
			case output <- score:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Rules returns the fitted rule set.
func (e *Ensemble) Rules() (RuleSet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.trained {
		return RuleSet{}, ErrNotFitted
	}
	return e.ruleSet, nil
}

// Empty reports whether the last fit completed without any rule meeting the
// thresholds. It is false for an untrained ensemble.
func (e *Ensemble) Empty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trained && e.ruleSet.Empty()
}

// Trained reports whether Fit has completed successfully.
func (e *Ensemble) Trained() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trained
}

// FeatureNames returns the feature names rules are rendered with.
func (e *Ensemble) FeatureNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.names...)
}

// Trees returns the number of trees grown by the last fit.
func (e *Ensemble) Trees() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.outOfBag)
}

// OutOfBag returns the training rows the given tree was evaluated on.
func (e *Ensemble) OutOfBag(tree int) ([]int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.trained {
		return nil, ErrNotFitted
	}
	if tree < 0 || tree >= len(e.outOfBag) {
		return nil, fmt.Errorf("tree %d out of range [0, %d)", tree, len(e.outOfBag))
	}
	return append([]int(nil), e.outOfBag[tree]...), nil
}

// VoteThreshold returns the number of matching rules that flags a sample.
func (e *Ensemble) VoteThreshold() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.voteThreshold
}

// SetVoteThreshold updates the number of matching rules that flags a sample.
// n must be at least 1.
func (e *Ensemble) SetVoteThreshold(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: vote threshold must be >= 1, got %d", ErrInvalidConfiguration, n)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.voteThreshold = n
	return nil
}
