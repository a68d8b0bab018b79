package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/fraudrules/pkg/detectors"
	"github.com/hed1ad/fraudrules/pkg/detectors/rules"
	fio "github.com/hed1ad/fraudrules/pkg/io"
	"github.com/hed1ad/fraudrules/pkg/io/csv"
	"github.com/hed1ad/fraudrules/pkg/io/pcap"
)

type scoreCmdConfig struct {
	*rootCmdConfig
	engineFlags
	trainInput  string
	dataInput   string
	pcapInput   string
	bpfFilter   string
	limit       int
	output      string
	metricsAddr string
	votes       int
}

func scoreCmd(rootConfig *rootCmdConfig) *cobra.Command {
	config := &scoreCmdConfig{rootCmdConfig: rootConfig}
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Fit rules on a training set and score another data set with them",
		Long:  `Fit rules on a labelled CSV file, then stream a CSV or PCAP file through them and write one result row per sample.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return err
			}
			env, err := config.env(cmd, &config.engineFlags)
			if err != nil {
				return err
			}
			if config.metricsAddr == "" {
				config.metricsAddr = env.settings.System.MetricsAddr
			}
			ctx, cancel := signalContext()
			defer cancel()

			ds, err := env.readTraining(config.trainInput)
			if err != nil {
				return err
			}
			ens, err := env.train(ctx, ds)
			if err != nil {
				return err
			}
			if config.votes > 0 {
				if err := ens.SetVoteThreshold(config.votes); err != nil {
					return err
				}
			}

			reader, err := config.reader()
			if err != nil {
				return err
			}
			defer reader.Close()
			if err := checkSchema(ens.FeatureNames(), reader); err != nil {
				return err
			}

			var out io.Writer = struct{ io.Writer }{os.Stdout}
			if config.output != "" {
				f, err := os.Create(config.output)
				if err != nil {
					return err
				}
				out = f
			}
			writer := csv.NewWriter(out)
			defer writer.Close()

			g, gctx := errgroup.WithContext(ctx)
			if config.metricsAddr != "" {
				g.Go(func() error { return env.serveMetrics(gctx, config.metricsAddr) })
			}
			g.Go(func() error {
				defer cancel()
				n, err := stream(gctx, ens, reader, writer)
				env.logger.Info().Int("samples", n).Msg("scoring finished")
				if sc, ok := reader.(skipCounter); ok && sc.Skipped() > 0 {
					env.logger.Warn().Int("rows", sc.Skipped()).Msg("skipped malformed input rows")
				}
				return err
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return writer.Close()
		},
	}
	config.engineFlags.register(cmd)
	cmd.Flags().StringVarP(&(config.trainInput), "train", "t", "", "path to the labelled training CSV (required)")
	cmd.Flags().StringVarP(&(config.dataInput), "input", "i", "", "path to a CSV file to score")
	cmd.Flags().StringVar(&(config.pcapInput), "pcap", "", "path to a PCAP file to score, one sample per packet")
	cmd.Flags().StringVar(&(config.bpfFilter), "filter", "", "BPF filter applied to the PCAP file")
	cmd.Flags().IntVar(&(config.limit), "limit", 0, "stop after N samples (defaults to 0: no limit)")
	cmd.Flags().StringVarP(&(config.output), "output", "o", "", "path to the results CSV (defaults to STDOUT)")
	cmd.Flags().StringVar(&(config.metricsAddr), "metrics-addr", "", "address to serve Prometheus metrics on while scoring, e.g. :9090")
	cmd.Flags().IntVar(&(config.votes), "votes", 0, "rules a sample must match to be flagged (overrides config)")
	return cmd
}

func (scc *scoreCmdConfig) Validate() error {
	if scc.trainInput == "" {
		return fmt.Errorf("required train flag was not set")
	}
	if (scc.dataInput == "") == (scc.pcapInput == "") {
		return fmt.Errorf("exactly one of the input and pcap flags must be set")
	}
	if scc.limit < 0 {
		return fmt.Errorf("limit must be non-negative, got %d", scc.limit)
	}
	if scc.votes < 0 {
		return fmt.Errorf("votes must be non-negative, got %d", scc.votes)
	}
	return nil
}

// reader opens the data set to score. CSV input is read without a label
// column, so its header must list exactly the training features.
func (scc *scoreCmdConfig) reader() (fio.Reader, error) {
	if scc.pcapInput != "" {
		return pcap.NewFileReader(scc.pcapInput, pcap.WithFilter(scc.bpfFilter), pcap.WithLimit(scc.limit))
	}
	return csv.NewReader(scc.dataInput)
}

type namedReader interface {
	Features() []string
}

func checkSchema(trained []string, r fio.Reader) error {
	var names []string
	switch v := r.(type) {
	case fio.FeatureExtractor:
		names = v.FeatureNames()
	case namedReader:
		names = v.Features()
	}
	if names == nil || slices.Equal(names, trained) {
		return nil
	}
	return fmt.Errorf("input features %v do not match training features %v", names, trained)
}

// stream pipes samples from r through the ensemble into w and returns how
// many results were written. Each result carries its sample's source index.
func stream(ctx context.Context, ens *rules.Ensemble, r fio.Reader, w fio.Writer) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples, err := r.Stream(ctx)
	if err != nil {
		return 0, err
	}
	values := make(chan []float64)
	scores := make(chan detectors.Score, 100)
	// indices runs at most one sample ahead of what scores can buffer.
	indices := make(chan int, cap(scores)+2)

	go func() {
		defer close(values)
		for s := range samples {
			select {
			case indices <- s.Index:
			case <-ctx.Done():
				return
			}
			select {
			case values <- s.Values:
			case <-ctx.Done():
				return
			}
		}
	}()

	errc := make(chan error, 1)
	go func() {
		defer close(scores)
		errc <- ens.PredictStream(ctx, values, scores)
	}()

	n := 0
	for s := range scores {
		matched, _ := s.Metadata["matched_rules"].(int)
		if err := w.Write(fio.Result{
			Index:        <-indices,
			Score:        s.Value,
			MatchedRules: matched,
			IsAnomaly:    s.IsAnomaly,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, <-errc
}

// skipCounter is implemented by readers that drop malformed records.
type skipCounter interface {
	Skipped() int
}

func (e *env) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			e.logger.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}()

	e.logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
