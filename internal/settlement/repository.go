package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tsylvester/paynless-framework-sub006/pkg/utils"
)

var (
	ErrSettlementNotFound = errors.New("settlement record not found")
	// ErrStaleTransition means the record was not in the expected state.
	ErrStaleTransition   = errors.New("settlement status changed concurrently")
	ErrInvalidTransition = errors.New("settlement transition not allowed")
	// ErrDuplicateGatewayTransaction is returned by Create when the
	// (gateway, gateway transaction id) pair already exists.
	ErrDuplicateGatewayTransaction = errors.New("gateway transaction already recorded")
)

// Patch carries optional column changes applied with a transition.
type Patch struct {
	GatewayTransactionID string
	// Metadata keys are merged into the stored metadata.
	Metadata map[string]any
}

// Store persists settlement records. Transition is the only status writer.
type Store interface {
	Create(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	FindByGatewayTransaction(ctx context.Context, gatewayID, gatewayTxnID string) (Record, bool, error)
	// SetGatewayTransactionID links the provider id while the record is PENDING.
	SetGatewayTransactionID(ctx context.Context, id, gatewayTxnID string) error
	// Transition moves id from -> to only if its status is still from.
	Transition(ctx context.Context, id string, from, to Status, p Patch) error
}

// SQLStore implements Store on payment_transactions.
type SQLStore struct {
	db      *sql.DB
	dialect utils.Dialect
	clock   func() time.Time
}

func NewSQLStore(db *sql.DB, dialect utils.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

const columns = `id, user_id, organization_id, target_wallet_id, payment_gateway_id, status, tokens_to_award,
  gateway_transaction_id, amount_requested_fiat, currency_requested_fiat, metadata_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(row rowScanner) (Record, error) {
	var (
		r            Record
		org, gwTxn   sql.NullString
		metadataJSON []byte
	)
	err := row.Scan(&r.ID, &r.UserID, &org, &r.TargetWalletID, &r.GatewayID, &r.Status, &r.TokensToAward,
		&gwTxn, &r.AmountRequestedFiat, &r.CurrencyRequestedFiat, &metadataJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	r.OrganizationID = org.String
	r.GatewayTransactionID = gwTxn.String
	if r.Metadata, err = decodeMetadata(metadataJSON); err != nil {
		return Record{}, fmt.Errorf("record %s metadata: %w", r.ID, err)
	}
	return r, nil
}

func decodeMetadata(b []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLStore) Create(ctx context.Context, r Record) error {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO payment_transactions (
  id, user_id, organization_id, target_wallet_id, payment_gateway_id, status, tokens_to_award,
  gateway_transaction_id, amount_requested_fiat, currency_requested_fiat, metadata_json, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`
	_, err = s.db.ExecContext(ctx, q,
		r.ID,
		r.UserID,
		utils.NullString(r.OrganizationID),
		r.TargetWalletID,
		r.GatewayID,
		r.Status,
		r.TokensToAward,
		utils.NullString(r.GatewayTransactionID),
		r.AmountRequestedFiat,
		r.CurrencyRequestedFiat,
		meta,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateGatewayTransaction, r.GatewayID, r.GatewayTransactionID)
	}
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	r, err := scan(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM payment_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrSettlementNotFound, id)
	}
	return r, err
}

func (s *SQLStore) FindByGatewayTransaction(ctx context.Context, gatewayID, gatewayTxnID string) (Record, bool, error) {
	const q = `SELECT ` + columns + ` FROM payment_transactions WHERE payment_gateway_id = $1 AND gateway_transaction_id = $2`
	r, err := scan(s.db.QueryRowContext(ctx, q, gatewayID, gatewayTxnID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *SQLStore) SetGatewayTransactionID(ctx context.Context, id, gatewayTxnID string) error {
	const q = `
UPDATE payment_transactions
SET gateway_transaction_id = $1, updated_at = $2
WHERE id = $3 AND status = $4
`
	res, err := s.db.ExecContext(ctx, q, gatewayTxnID, s.clock().UTC(), id, StatusPending)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("set gateway transaction on %s: %w", id, ErrStaleTransition)
	}
	return nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, from, to Status, p Patch) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		q := `SELECT status, metadata_json FROM payment_transactions WHERE id = $1 ` + s.dialect.LockClause()
		var (
			current Status
			raw     []byte
		)
		if err := tx.QueryRowContext(ctx, q, id).Scan(&current, &raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrSettlementNotFound, id)
			}
			return err
		}
		if current != from {
			return fmt.Errorf("%w: %s is %s, want %s", ErrStaleTransition, id, current, from)
		}

		meta, err := decodeMetadata(raw)
		if err != nil {
			return err
		}
		for k, v := range p.Metadata {
			meta[k] = v
		}
		encoded, err := encodeMetadata(meta)
		if err != nil {
			return err
		}

		const update = `
UPDATE payment_transactions
SET status = $1, metadata_json = $2, gateway_transaction_id = COALESCE($3, gateway_transaction_id), updated_at = $4
WHERE id = $5 AND status = $6
`
		res, err := tx.ExecContext(ctx, update, to, encoded, utils.NullString(p.GatewayTransactionID), s.clock().UTC(), id, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrStaleTransition, id)
		}
		return nil
	})
}
