package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hed1ad/fraudrules/pkg/detectors/rules"
	fio "github.com/hed1ad/fraudrules/pkg/io"
	"github.com/hed1ad/fraudrules/pkg/io/csv"
)

type fitCmdConfig struct {
	*rootCmdConfig
	engineFlags
	dataInput string
	output    string
	top       int
	sql       bool
}

func fitCmd(rootConfig *rootCmdConfig) *cobra.Command {
	config := &fitCmdConfig{rootCmdConfig: rootConfig}
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Extract rules from a labelled CSV file",
		Long:  `Grow an ensemble of trees on a labelled CSV file and print the rules that meet the precision and recall thresholds.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.env(cmd, &config.engineFlags)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			ds, err := env.readTraining(config.dataInput)
			if err != nil {
				return err
			}
			ens, err := env.train(ctx, ds)
			if err != nil {
				return err
			}
			rs, err := ens.Rules()
			if err != nil {
				return err
			}

			printRules(os.Stdout, rs, ds.Features, config.top, config.sql)
			printSummary(os.Stdout, rs.Summary())

			if config.output == "" {
				return nil
			}
			results, err := scoreDataset(ens, ds)
			if err != nil {
				return err
			}
			return writeResults(config.output, results)
		},
	}
	config.engineFlags.register(cmd)
	cmd.Flags().StringVarP(&(config.dataInput), "input", "i", "", "path to the labelled training CSV (defaults to STDIN)")
	cmd.Flags().StringVarP(&(config.output), "output", "o", "", "path to a CSV file the training set scores are written to")
	cmd.Flags().IntVar(&(config.top), "top", 0, "only print the first N rules (defaults to 0: all)")
	cmd.Flags().BoolVar(&(config.sql), "sql", false, "print rules as SQL WHERE clauses")
	return cmd
}

func printRules(w io.Writer, rs rules.RuleSet, names []string, top int, sql bool) {
	if rs.Empty() {
		fmt.Fprintln(w, "no rule met the precision and recall thresholds")
		return
	}
	n := rs.Len()
	if top > 0 && top < n {
		n = top
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tprecision\trecall\tsupport\trule")
	for i := 0; i < n; i++ {
		r := rs.At(i)
		text := r.Format(names)
		if sql {
			text = r.Where(names)
		}
		fmt.Fprintf(tw, "%d\t%.3f\t%.3f\t%d\t%s\n", i+1, r.Stats.Precision, r.Stats.Recall, r.Stats.Support, text)
	}
	tw.Flush()
}

func printSummary(w io.Writer, s rules.Summary) {
	if s.Rules == 0 {
		return
	}
	fmt.Fprintf(w, "\n%d rules, precision mean %.3f median %.3f, recall mean %.3f median %.3f, mean support %.1f, mean length %.2f\n",
		s.Rules, s.MeanPrecision, s.MedianPrecision, s.MeanRecall, s.MedianRecall, s.MeanSupport, s.MeanLength)
}

// scoreDataset scores every row of ds, carrying labels through when present.
func scoreDataset(ens *rules.Ensemble, ds *fio.Dataset) ([]fio.Result, error) {
	counts, err := ens.Score(ds.X)
	if err != nil {
		return nil, err
	}
	scores, err := ens.Predict(ds.X)
	if err != nil {
		return nil, err
	}
	flags, err := ens.Classify(ds.X)
	if err != nil {
		return nil, err
	}

	results := make([]fio.Result, ds.Len())
	for i := range results {
		results[i] = fio.Result{
			Index:        i,
			Score:        scores[i],
			MatchedRules: counts[i],
			IsAnomaly:    flags[i] == 1,
		}
		if ds.Labels != nil {
			label := ds.Labels[i]
			results[i].Label = &label
		}
	}
	return results, nil
}

func writeResults(path string, results []fio.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(results); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
