package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hed1ad/fraudrules/pkg/io/sqlquery"
)

const memoryDB = ":memory:"

type crosscheckCmdConfig struct {
	*rootCmdConfig
	engineFlags
	trainInput string
	dbPath     string
	table      string
	load       bool
	top        int
}

func crosscheckCmd(rootConfig *rootCmdConfig) *cobra.Command {
	config := &crosscheckCmdConfig{rootCmdConfig: rootConfig}
	cmd := &cobra.Command{
		Use:   "crosscheck",
		Short: "Check fitted rules against a SQLite table",
		Long:  `Fit rules on a labelled CSV file, run each one as a SQL WHERE clause against a SQLite table and compare the table-wide statistics with the out-of-bag ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return err
			}
			env, err := config.env(cmd, &config.engineFlags)
			if err != nil {
				return err
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
			rs, err := ens.Rules()
			if err != nil {
				return err
			}
			if rs.Empty() {
				fmt.Println("no rule met the precision and recall thresholds")
				return nil
			}

			db, err := sqlquery.Open(config.dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			if config.dbPath == memoryDB {
				db.SetMaxOpenConns(1)
				config.load = true
			}
			label := env.settings.Data.LabelColumn
			if config.load {
				env.logger.Info().Str("table", config.table).Int("rows", ds.Len()).Msg("loading training set")
				if err := sqlquery.Load(ctx, db, config.table, label, ds); err != nil {
					return err
				}
			}

			n := rs.Len()
			if config.top > 0 && config.top < n {
				n = config.top
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\toob precision\toob recall\ttable precision\ttable recall\ttable support\twhere")
			for i := 0; i < n; i++ {
				r := rs.At(i)
				st, err := sqlquery.Crosscheck(ctx, db, config.table, label, r, ds.Features)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%d\t%.3f\t%.3f\t%.3f\t%.3f\t%d\t%s\n", i+1,
					r.Stats.Precision, r.Stats.Recall, st.Precision, st.Recall, st.Support, r.Where(ds.Features))
			}
			return tw.Flush()
		},
	}
	config.engineFlags.register(cmd)
	cmd.Flags().StringVarP(&(config.trainInput), "train", "t", "", "path to the labelled training CSV (required)")
	cmd.Flags().StringVar(&(config.dbPath), "db", memoryDB, "path to a SQLite3 (.db) file")
	cmd.Flags().StringVar(&(config.table), "table", "transactions", "table holding the feature and label columns")
	cmd.Flags().BoolVar(&(config.load), "load", false, "create the table from the training set first (always on for an in-memory DB)")
	cmd.Flags().IntVar(&(config.top), "top", 5, "number of rules to check (0 checks all)")
	return cmd
}

func (ccc *crosscheckCmdConfig) Validate() error {
	if ccc.trainInput == "" {
		return fmt.Errorf("required train flag was not set")
	}
	if ccc.table == "" {
		return fmt.Errorf("table cannot be empty")
	}
	if ccc.top < 0 {
		return fmt.Errorf("top must be non-negative, got %d", ccc.top)
	}
	return nil
}
