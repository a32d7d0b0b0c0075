package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/logutil"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "owuid",
	Short: "Usage accounting daemon for Open WebUI",
	Long:  "Owuid fronts LLM providers with a normalized chat endpoint and meters per-user token usage for Open WebUI.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(rootLogLevel)
	}
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
}
