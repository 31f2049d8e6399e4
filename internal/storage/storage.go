// Package storage owns the relational schema shared by the wallet, settlement,
// subscription and audit stores.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/tsylvester/paynless-framework-sub006/pkg/utils"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Migrate applies the idempotent schema for the dialect.
func Migrate(ctx context.Context, db *sql.DB, dialect utils.Dialect) error {
	stmts, err := Statements(dialect)
	if err != nil {
		return err
	}
	return utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for i, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate statement %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// Statements returns the schema split into single statements.
func Statements(dialect utils.Dialect) ([]string, error) {
	var name string
	switch dialect {
	case utils.DialectPostgres:
		name = "schema/postgres.sql"
	case utils.DialectSQLite:
		name = "schema/sqlite.sql"
	default:
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, part := range strings.Split(string(raw), ";") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
