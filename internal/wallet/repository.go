package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tsylvester/paynless-framework-sub006/pkg/utils"
)

// SQLStore implements Store on database/sql for Postgres (pgx) and SQLite.
//
// Tables: token_wallets, token_wallet_transactions (append-only, UNIQUE
// idempotency_key), organization_members. See internal/storage.
//
// Placeholders are numbered and must first appear in ascending order so the
// same text binds correctly on both drivers.
type SQLStore struct {
	db      *sql.DB
	dialect utils.Dialect
}

func NewSQLStore(db *sql.DB, dialect utils.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const walletColumns = `wallet_id, user_id, organization_id, balance, currency, version, created_at, updated_at`

func scanWallet(row *sql.Row) (Wallet, int64, error) {
	var (
		w       Wallet
		userID  sql.NullString
		orgID   sql.NullString
		version int64
	)
	err := row.Scan(&w.WalletID, &userID, &orgID, &w.Balance, &w.Currency, &version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return Wallet{}, 0, err
	}
	w.UserID = userID.String
	w.OrganizationID = orgID.String
	return w, version, nil
}

func (s *SQLStore) FindWalletByOwner(ctx context.Context, owner Owner) (Wallet, bool, error) {
	q := `SELECT ` + walletColumns + ` FROM token_wallets WHERE user_id = $1 AND organization_id IS NULL`
	arg := owner.UserID
	if owner.OrganizationID != "" {
		q = `SELECT ` + walletColumns + ` FROM token_wallets WHERE organization_id = $1`
		arg = owner.OrganizationID
	}
	w, _, err := scanWallet(s.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, false, nil
		}
		return Wallet{}, false, err
	}
	return w, true, nil
}

func (s *SQLStore) GetWallet(ctx context.Context, walletID string) (Wallet, bool, error) {
	const q = `SELECT ` + walletColumns + ` FROM token_wallets WHERE wallet_id = $1`
	w, _, err := scanWallet(s.db.QueryRowContext(ctx, q, walletID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, false, nil
		}
		return Wallet{}, false, err
	}
	return w, true, nil
}

func (s *SQLStore) CreateWallet(ctx context.Context, w Wallet) error {
	const q = `
INSERT INTO token_wallets (wallet_id, user_id, organization_id, balance, currency, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
`
	userID := utils.NullString(w.UserID)
	if w.OrganizationID != "" {
		userID = nil
	}
	_, err := s.db.ExecContext(ctx, q,
		w.WalletID,
		userID,
		utils.NullString(w.OrganizationID),
		w.Balance,
		w.Currency,
		w.CreatedAt,
		w.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrOwnerConflict
	}
	return err
}

func (s *SQLStore) IsOrganizationAdmin(ctx context.Context, orgID, userID string) (bool, error) {
	const q = `
SELECT COUNT(*)
FROM organization_members
WHERE organization_id = $1 AND user_id = $2 AND role = 'admin' AND status = 'active'
`
	var n int
	if err := s.db.QueryRowContext(ctx, q, orgID, userID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ApplyLedgerEntry(ctx context.Context, e LedgerEntry, delta decimal.Decimal) (LedgerEntry, error) {
	var out LedgerEntry

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if existing, ok, err := findEntryByIdempotencyKey(ctx, tx, e.IdempotencyKey); err != nil {
			return err
		} else if ok {
			out = existing
			return nil
		}

		w, version, err := s.lockWallet(ctx, tx, e.WalletID)
		if err != nil {
			return err
		}

		next := w.Balance.Add(delta)
		if next.IsNegative() {
			return ErrInsufficientBalance
		}

		if err := updateBalance(ctx, tx, w.WalletID, next, version, e.Timestamp); err != nil {
			return err
		}

		e.BalanceAfterTxn = next
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
		out = e
		return nil
	})

	// A concurrent writer committed the same key first.
	if utils.IsUniqueViolation(err) {
		existing, ok, ferr := findEntryByIdempotencyKey(ctx, s.db, e.IdempotencyKey)
		if ferr != nil {
			return LedgerEntry{}, ferr
		}
		if ok {
			out, err = existing, nil
		}
	}
	if err != nil {
		return LedgerEntry{}, err
	}
	if out.WalletID != e.WalletID {
		return LedgerEntry{}, ErrIdempotencyConflict
	}
	return out, nil
}

func (s *SQLStore) lockWallet(ctx context.Context, tx *sql.Tx, walletID string) (Wallet, int64, error) {
	q := `SELECT ` + walletColumns + ` FROM token_wallets WHERE wallet_id = $1 ` + s.dialect.LockClause()
	w, version, err := scanWallet(tx.QueryRowContext(ctx, q, walletID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, 0, ErrWalletNotFound
		}
		return Wallet{}, 0, err
	}
	return w, version, nil
}

func updateBalance(ctx context.Context, tx *sql.Tx, walletID string, balance decimal.Decimal, version int64, now time.Time) error {
	const q = `
UPDATE token_wallets
SET balance = $1, version = version + 1, updated_at = $2
WHERE wallet_id = $3 AND version = $4
`
	res, err := tx.ExecContext(ctx, q, balance, now, walletID, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

const entryColumns = `transaction_id, wallet_id, transaction_type, amount, balance_after_txn, recorded_by_user_id,
  idempotency_key, related_entity_id, related_entity_type, payment_transaction_id, notes, "timestamp"`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (LedgerEntry, error) {
	var (
		e                                         LedgerEntry
		relatedID, relatedType, paymentTxn, notes sql.NullString
	)
	err := row.Scan(
		&e.TransactionID,
		&e.WalletID,
		&e.Type,
		&e.Amount,
		&e.BalanceAfterTxn,
		&e.RecordedByUserID,
		&e.IdempotencyKey,
		&relatedID,
		&relatedType,
		&paymentTxn,
		&notes,
		&e.Timestamp,
	)
	if err != nil {
		return LedgerEntry{}, err
	}
	e.RelatedEntityID = relatedID.String
	e.RelatedEntityType = relatedType.String
	e.PaymentTransactionID = paymentTxn.String
	e.Notes = notes.String
	return e, nil
}

func findEntryByIdempotencyKey(ctx context.Context, q rowQuerier, key string) (LedgerEntry, bool, error) {
	const query = `SELECT ` + entryColumns + ` FROM token_wallet_transactions WHERE idempotency_key = $1`
	e, err := scanEntry(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LedgerEntry{}, false, nil
		}
		return LedgerEntry{}, false, err
	}
	return e, true, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e LedgerEntry) error {
	const q = `
INSERT INTO token_wallet_transactions (
  transaction_id, wallet_id, transaction_type, amount, balance_after_txn, recorded_by_user_id,
  idempotency_key, related_entity_id, related_entity_type, payment_transaction_id, notes, "timestamp"
) VALUES (
  $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)
`
	_, err := tx.ExecContext(ctx, q,
		e.TransactionID,
		e.WalletID,
		e.Type,
		e.Amount,
		e.BalanceAfterTxn,
		e.RecordedByUserID,
		e.IdempotencyKey,
		utils.NullString(e.RelatedEntityID),
		utils.NullString(e.RelatedEntityType),
		utils.NullString(e.PaymentTransactionID),
		utils.NullString(e.Notes),
		e.Timestamp,
	)
	return err
}

func (s *SQLStore) ListLedgerEntries(ctx context.Context, walletID string, page Page) ([]LedgerEntry, int, error) {
	const countQ = `SELECT COUNT(*) FROM token_wallet_transactions WHERE wallet_id = $1`
	var total int
	if err := s.db.QueryRowContext(ctx, countQ, walletID).Scan(&total); err != nil {
		return nil, 0, err
	}

	const q = `SELECT ` + entryColumns + `
FROM token_wallet_transactions
WHERE wallet_id = $1
ORDER BY "timestamp" DESC, transaction_id DESC
LIMIT $2 OFFSET $3
`
	rows, err := s.db.QueryContext(ctx, q, walletID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]LedgerEntry, 0, page.Limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *SQLStore) DeleteWallet(ctx context.Context, walletID string) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM token_wallet_transactions WHERE wallet_id = $1`, walletID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM token_wallets WHERE wallet_id = $1`, walletID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("delete wallet %s: %w", walletID, ErrWalletNotFound)
		}
		return nil
	})
}
