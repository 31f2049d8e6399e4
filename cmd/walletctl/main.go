package main

import (
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/tsylvester/paynless-framework-sub006/pkg/logger"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "walletctl",
		Short:         "Operator tooling for the token wallet service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(allocateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(auditCmd())
	return rootCmd
}

// cliLogger writes structured logs to stderr so stdout stays parseable.
func cliLogger(env string) *slog.Logger {
	return logger.NewWithWriter(env, os.Stderr)
}
