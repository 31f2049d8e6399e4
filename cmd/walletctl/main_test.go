package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tsylvester/paynless-framework-sub006/internal/allocation"
	"github.com/tsylvester/paynless-framework-sub006/internal/audit"
	"github.com/tsylvester/paynless-framework-sub006/internal/auth"
	"github.com/tsylvester/paynless-framework-sub006/internal/config"
	"github.com/tsylvester/paynless-framework-sub006/internal/testfixture"
)

func TestRender(t *testing.T) {
	report := allocationReport{
		Message: "No users due for allocation.",
		Summary: allocation.Summary{Processed: 3, Awarded: 2, Failed: 1},
	}

	var js bytes.Buffer
	if err := render(&js, "json", report); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !strings.Contains(js.String(), `"awarded": 2`) {
		t.Fatalf("unexpected json %s", js.String())
	}

	var ym bytes.Buffer
	if err := render(&ym, "yaml", report); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !strings.Contains(ym.String(), "processed: 3") || !strings.Contains(ym.String(), "message: No users due for allocation.") {
		t.Fatalf("unexpected yaml %s", ym.String())
	}

	if err := render(&bytes.Buffer{}, "xml", report); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestParseNow(t *testing.T) {
	got, err := parseNow("2024-02-01T01:00:00+01:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) || got.Location() != time.UTC {
		t.Fatalf("unexpected time %v", got)
	}
	if _, err := parseNow("yesterday"); err == nil {
		t.Fatalf("expected error for non-RFC3339 input")
	}
}

func TestMintToken(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: "s", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour}
	now := time.Now()

	tok, err := mintToken(cfg, now, config.DefaultSystemUserID, "service")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	m, _ := auth.NewManager(cfg)
	claims, err := m.Verify(tok, auth.TokenTypeAccess, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != config.DefaultSystemUserID || claims.Role != "service" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := mintToken(cfg, now, "u1", "root"); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"migrate", "allocate", "token", "wallet", "audit"} {
		if _, _, err := root.Find([]string{name}); err != nil {
			t.Fatalf("missing command %s: %v", name, err)
		}
	}
	cmd, _, err := root.Find([]string{"allocate"})
	if err != nil {
		t.Fatalf("find allocate: %v", err)
	}
	if f := cmd.Flags().Lookup("output"); f == nil || f.DefValue != "json" {
		t.Fatalf("allocate --output default should be json")
	}
}

func TestListAudit(t *testing.T) {
	repo := audit.NewSQLRepo(testfixture.OpenDB(t))
	ctx := context.Background()
	svc := audit.NewService(repo)
	if err := svc.LogTokenAwardFailed(ctx, "s-1", "w-1", "u-1", "1000", errors.New("ledger down")); err != nil {
		t.Fatalf("append: %v", err)
	}

	var out bytes.Buffer
	if err := listAudit(ctx, repo, audit.EventTypeTokenAwardFailed, &out, "json"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), `"settlementId": "s-1"`) {
		t.Fatalf("unexpected output %s", out.String())
	}

	out.Reset()
	if err := listAudit(ctx, repo, audit.EventTypeWalletDeleted, &out, "json"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", out.String())
	}

	if err := listAudit(ctx, repo, "refund_issued", &out, "json"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
