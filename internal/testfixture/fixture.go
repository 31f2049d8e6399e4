// Package testfixture builds isolated tenants on a migrated in-memory SQLite
// database. It writes rows directly so any package's tests can use it without
// import cycles.
package testfixture

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tsylvester/paynless-framework-sub006/internal/storage"
	"github.com/tsylvester/paynless-framework-sub006/pkg/utils"
)

// Epoch is the fixed creation time used for fixture rows.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// OpenDB returns a fresh migrated database closed at test cleanup.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := utils.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, storage.Migrate(ctx, db, utils.DialectSQLite))
	return db
}

// Tenant is a principal together with its wallet.
type Tenant struct {
	UserID         string
	OrganizationID string
	WalletID       string
}

// NewUserWallet creates a user-owned wallet seeded with balance. A non-zero
// balance is backed by a CREDIT_ADJUSTMENT entry so ledger sums stay exact.
func NewUserWallet(t testing.TB, db *sql.DB, balance string) Tenant {
	t.Helper()
	tn := Tenant{UserID: uuid.NewString(), WalletID: uuid.NewString()}
	insertWallet(t, db, tn, balance)
	return tn
}

// NewOrgWallet creates an organization wallet and an active member with role
// for a fresh user.
func NewOrgWallet(t testing.TB, db *sql.DB, memberRole, balance string) Tenant {
	t.Helper()
	tn := Tenant{
		UserID:         uuid.NewString(),
		OrganizationID: uuid.NewString(),
		WalletID:       uuid.NewString(),
	}
	insertWallet(t, db, tn, balance)
	AddMember(t, db, tn.OrganizationID, tn.UserID, memberRole)
	return tn
}

// AddMember inserts an active organization membership.
func AddMember(t testing.TB, db *sql.DB, orgID, userID, role string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO organization_members (organization_id, user_id, role, status, created_at) VALUES ($1, $2, $3, 'active', $4)`,
		orgID, userID, role, Epoch,
	)
	require.NoError(t, err)
}

// Subscription describes a user_subscriptions row to create.
type Subscription struct {
	UserID      string
	PlanID      string
	Status      string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// NewSubscription inserts a subscription row and returns its id.
func NewSubscription(t testing.TB, db *sql.DB, s Subscription) string {
	t.Helper()
	id := uuid.NewString()
	_, err := db.Exec(`
INSERT INTO user_subscriptions (id, user_id, plan_id, status, current_period_start, current_period_end, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, s.UserID, s.PlanID, s.Status, s.PeriodStart.UTC(), s.PeriodEnd.UTC(), Epoch, Epoch,
	)
	require.NoError(t, err)
	return id
}

// LedgerCount returns how many entries the wallet has.
func LedgerCount(t testing.TB, db *sql.DB, walletID string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM token_wallet_transactions WHERE wallet_id = $1`, walletID).Scan(&n))
	return n
}

// Balance returns the stored wallet balance string.
func Balance(t testing.TB, db *sql.DB, walletID string) string {
	t.Helper()
	var b string
	require.NoError(t, db.QueryRow(`SELECT balance FROM token_wallets WHERE wallet_id = $1`, walletID).Scan(&b))
	return b
}

func insertWallet(t testing.TB, db *sql.DB, tn Tenant, balance string) {
	t.Helper()
	if balance == "" {
		balance = "0"
	}
	_, err := db.Exec(`
INSERT INTO token_wallets (wallet_id, user_id, organization_id, balance, currency, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'AI_TOKEN', 0, $5, $6)`,
		tn.WalletID, userColumn(tn), utils.NullString(tn.OrganizationID), balance, Epoch, Epoch,
	)
	require.NoError(t, err)

	if balance == "0" {
		return
	}
	_, err = db.Exec(`
INSERT INTO token_wallet_transactions (transaction_id, wallet_id, transaction_type, amount, balance_after_txn, recorded_by_user_id, idempotency_key, notes, "timestamp")
VALUES ($1, $2, 'CREDIT_ADJUSTMENT', $3, $4, $5, $6, 'fixture seed', $7)`,
		uuid.NewString(), tn.WalletID, balance, balance, tn.UserID, "seed:"+tn.WalletID, Epoch,
	)
	require.NoError(t, err)
}

func userColumn(tn Tenant) any {
	if tn.OrganizationID != "" {
		return nil
	}
	return tn.UserID
}
