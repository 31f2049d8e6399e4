package audit

import (
	"context"
	"database/sql"

	"github.com/tsylvester/paynless-framework-sub006/pkg/utils"
)

// SQLRepo appends to audit_events.
type SQLRepo struct {
	db *sql.DB
}

func NewSQLRepo(db *sql.DB) *SQLRepo { return &SQLRepo{db: db} }

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, wallet_id, settlement_id, subscription_id, actor_user_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.Type,
		utils.NullString(e.WalletID),
		utils.NullString(e.SettlementID),
		utils.NullString(e.SubscriptionID),
		utils.NullString(e.ActorUserID),
		e.Message,
		e.Metadata,
		e.CreatedAt.UTC(),
	)
	return err
}

// ListByType returns events of type t, oldest first. Internal ops only.
func (r *SQLRepo) ListByType(ctx context.Context, t EventType) ([]Event, error) {
	const q = `
SELECT id, type, wallet_id, settlement_id, subscription_id, actor_user_id, message, metadata, created_at
FROM audit_events
WHERE type = $1
ORDER BY created_at ASC, id ASC
`
	rows, err := r.db.QueryContext(ctx, q, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                              Event
			wallet, settlement, sub, actor sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Type, &wallet, &settlement, &sub, &actor, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.WalletID = wallet.String
		e.SettlementID = settlement.String
		e.SubscriptionID = sub.String
		e.ActorUserID = actor.String
		out = append(out, e)
	}
	return out, rows.Err()
}
