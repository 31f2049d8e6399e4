package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tsylvester/paynless-framework-sub006/internal/allocation"
	"github.com/tsylvester/paynless-framework-sub006/internal/app"
	"github.com/tsylvester/paynless-framework-sub006/internal/audit"
	"github.com/tsylvester/paynless-framework-sub006/internal/config"
	"github.com/tsylvester/paynless-framework-sub006/internal/rbac"
	"github.com/tsylvester/paynless-framework-sub006/internal/storage"
	"github.com/tsylvester/paynless-framework-sub006/pkg/logger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := logger.With(cmd.Context(), cliLogger(cfg.App.Env))
			db, dialect, err := app.OpenDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.Migrate(ctx, db, dialect); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", dialect)
			return nil
		},
	}
}

type allocationReport struct {
	Message string             `json:"message" yaml:"message"`
	Summary allocation.Summary `json:"summary" yaml:"summary"`
}

func allocateCmd() *cobra.Command {
	var (
		at     string
		output string
	)
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Run one periodic free-tier allocation batch",
		Long: `Credit the free plan's tokens to every free account whose period has
ended, then advance each account's period.

Examples:
  walletctl allocate
  walletctl allocate --now 2024-02-01T00:00:00Z --output yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now, err := parseNow(at)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := logger.With(cmd.Context(), cliLogger(cfg.App.Env))
			deps, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			sum, err := deps.Allocator.Run(ctx, now)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, allocationReport{Message: sum.Message(), Summary: sum})
		},
	}
	cmd.Flags().StringVar(&at, "now", "", "evaluate due periods at this RFC3339 instant (default: current time)")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for an operator or scheduled caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if userID == "" {
				userID = cfg.Allocation.SystemUserID
			}
			tok, err := mintToken(cfg.Auth, time.Now(), userID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "subject user id (default: allocation system user)")
	cmd.Flags().StringVar(&role, "role", rbac.RoleService, "role claim: user, service or super_admin")
	return cmd
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Administrative wallet operations",
	}

	var reason string
	del := &cobra.Command{
		Use:   "delete [wallet-id]",
		Short: "Remove a wallet and its ledger (test and teardown only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("wallet delete is disabled in production")
			}
			ctx := logger.With(cmd.Context(), cliLogger(cfg.App.Env))
			deps, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			if err := deps.Wallets.DeleteWallet(ctx, args[0]); err != nil {
				return err
			}
			if err := deps.Audit.LogWalletDeleted(ctx, args[0], cfg.Allocation.SystemUserID, reason); err != nil {
				logger.From(ctx).Error("audit append failed", "wallet_id", args[0], "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted wallet %s\n", args[0])
			return nil
		},
	}
	del.Flags().StringVar(&reason, "reason", "", "why the wallet is removed (recorded in the audit log)")
	cmd.AddCommand(del)
	return cmd
}

type auditLister interface {
	ListByType(ctx context.Context, t audit.EventType) ([]audit.Event, error)
}

func auditCmd() *cobra.Command {
	var (
		eventType string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit events that need operator attention",
		Long: `List audit events of one type, oldest first.

Types: token_award_failed, period_advance_failed, wallet_deleted.

Examples:
  walletctl audit
  walletctl audit --type period_advance_failed -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := logger.With(cmd.Context(), cliLogger(cfg.App.Env))
			db, _, err := app.OpenDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			return listAudit(ctx, audit.NewSQLRepo(db), audit.EventType(eventType), cmd.OutOrStdout(), output)
		},
	}
	cmd.Flags().StringVar(&eventType, "type", string(audit.EventTypeTokenAwardFailed), "event type to list")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func listAudit(ctx context.Context, repo auditLister, t audit.EventType, w io.Writer, format string) error {
	if !t.Valid() {
		return fmt.Errorf("unknown audit event type %q", t)
	}
	events, err := repo.ListByType(ctx, t)
	if err != nil {
		return err
	}
	if events == nil {
		events = []audit.Event{}
	}
	return render(w, format, events)
}

func parseNow(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--now must be RFC3339: %w", err)
	}
	return t.UTC(), nil
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
}
