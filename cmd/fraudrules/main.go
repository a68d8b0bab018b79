// Command fraudrules fits interpretable fraud rules from labelled data and
// scores new data with them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootCmdConfig struct {
	configPath string
	logLevel   string
}

func main() {
	if err := cliParser().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cliParser() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fraudrules",
		Short:         "fraudrules extracts fraud detection rules from decision tree ensembles",
		Long:          `A tool to grow bagged decision trees on labelled data, keep the root-to-node paths that hold up out of bag, and use them as readable fraud rules.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config := &rootCmdConfig{}
	rootCmd.PersistentFlags().StringVarP(&(config.configPath), "config", "c", os.Getenv("FRAUDRULES_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&(config.logLevel), "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.AddCommand(versionCmd(), fitCmd(config), scoreCmd(config), crosscheckCmd(config))
	return rootCmd
}
