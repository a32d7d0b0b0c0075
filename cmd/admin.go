package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/ledger"
)

// The admin commands operate on the usage database directly, so they can
// run next to the daemon or against a copy of the database file.

func openLedgerFromConfig(path string) (*ledger.Ledger, error) {
	cfg, err := config.LoadOrCreateServerConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	db, err := ledger.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	return db, nil
}

func init() {
	var creditConfigPath string
	creditCmd := &cobra.Command{
		Use:   "credit <user_id> <amount>",
		Short: "Add credit to a user's balance (negative amounts debit)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			db, err := openLedgerFromConfig(creditConfigPath)
			if err != nil {
				return err
			}
			defer db.Close()
			balance, err := db.Credit(args[0], amount)
			if err != nil {
				return fmt.Errorf("credit: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %s\n", balance.UserID, balance.Balance)
			return nil
		},
	}
	creditCmd.Flags().StringVar(&creditConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(creditCmd)

	var balancesConfigPath string
	balancesCmd := &cobra.Command{
		Use:   "balances",
		Short: "List user balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openLedgerFromConfig(balancesConfigPath)
			if err != nil {
				return err
			}
			defer db.Close()
			balances, err := db.Balances()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tNAME\tEMAIL\tBALANCE")
			for _, b := range balances {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.UserID, b.UserName, b.Email, b.Balance)
			}
			return w.Flush()
		},
	}
	balancesCmd.Flags().StringVar(&balancesConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(balancesCmd)

	var (
		usagesConfigPath string
		usagesUser       string
		usagesLimit      int
	)
	usagesCmd := &cobra.Command{
		Use:   "usages",
		Short: "List recorded usage entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openLedgerFromConfig(usagesConfigPath)
			if err != nil {
				return err
			}
			defer db.Close()
			logs, err := db.Logs(usagesUser, usagesLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tUSER\tMODEL\tPROMPT\tCOMPLETION\tCOST")
			for _, l := range logs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					l.ChatAt.Format("2006-01-02 15:04:05"), l.UserID, l.ModelID,
					l.PromptTokens, l.CompletionTokens, l.Cost())
			}
			return w.Flush()
		},
	}
	usagesCmd.Flags().StringVar(&usagesConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	usagesCmd.Flags().StringVar(&usagesUser, "user", "", "Only show entries for this user id")
	usagesCmd.Flags().IntVar(&usagesLimit, "limit", 50, "Maximum entries to show (0 for all)")
	rootCmd.AddCommand(usagesCmd)

	var modelsConfigPath string
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List the model price catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openLedgerFromConfig(modelsConfigPath)
			if err != nil {
				return err
			}
			defer db.Close()
			models, err := db.Models()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tNAME\tPROMPT $/M\tCOMPLETION $/M")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ModelID, m.ModelName, m.PromptPrice, m.CompletionPrice)
			}
			return w.Flush()
		},
	}
	modelsCmd.Flags().StringVar(&modelsConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(modelsCmd)

	var setPriceConfigPath string
	setPriceCmd := &cobra.Command{
		Use:   "set-price <model_id> <prompt_per_million> <completion_per_million>",
		Short: "Set a model's token prices",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid prompt price %q: %w", args[1], err)
			}
			completion, err := decimal.NewFromString(args[2])
			if err != nil {
				return fmt.Errorf("invalid completion price %q: %w", args[2], err)
			}
			db, err := openLedgerFromConfig(setPriceConfigPath)
			if err != nil {
				return err
			}
			defer db.Close()
			if _, err := db.GetOrCreateModel(args[0]); err != nil {
				return err
			}
			if err := db.SetModelPrices(args[0], prompt, completion); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: prompt %s, completion %s per million tokens\n", args[0], prompt, completion)
			return nil
		},
	}
	setPriceCmd.Flags().StringVar(&setPriceConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(setPriceCmd)
}
