package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print owuid version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("owuid"))
		},
	})
}
