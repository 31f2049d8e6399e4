package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tsylvester/paynless-framework-sub006/pkg/utils"
)

var (
	ErrNotFound = errors.New("subscription not found")
	// ErrPeriodChanged means another writer advanced the period first.
	ErrPeriodChanged = errors.New("subscription period changed concurrently")
)

// SQLStore persists user_subscriptions. All times are written in UTC.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

const columns = `id, user_id, plan_id, status, stripe_customer_id, stripe_subscription_id,
  current_period_start, current_period_end, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scan(row rowScanner) (Subscription, error) {
	var (
		s              Subscription
		customer, subs sql.NullString
	)
	err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &s.Status, &customer, &subs,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	s.GatewayCustomerID = customer.String
	s.GatewaySubscriptionID = subs.String
	return s, nil
}

// ListDueFree returns free subscriptions on planID whose period ended at or
// before now, oldest period first.
func (s *SQLStore) ListDueFree(ctx context.Context, planID string, now time.Time) ([]Subscription, error) {
	const q = `SELECT ` + columns + `
FROM user_subscriptions
WHERE plan_id = $1 AND status = $2 AND current_period_end <= $3
ORDER BY current_period_end ASC, id ASC
`
	rows, err := s.db.QueryContext(ctx, q, planID, StatusFree, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLStore) Get(ctx context.Context, id string) (Subscription, error) {
	sub, err := scan(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM user_subscriptions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sub, err
}

// AdvancePeriod moves the period window only if it still ends at oldEnd.
func (s *SQLStore) AdvancePeriod(ctx context.Context, id string, oldEnd, newStart, newEnd time.Time) error {
	const q = `
UPDATE user_subscriptions
SET current_period_start = $1, current_period_end = $2, updated_at = $3
WHERE id = $4 AND current_period_end = $5
`
	res, err := s.db.ExecContext(ctx, q, newStart.UTC(), newEnd.UTC(), s.clock().UTC(), id, oldEnd.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("advance %s: %w", id, ErrPeriodChanged)
	}
	return nil
}

// FindByGatewayCustomer returns one subscription for the provider customer.
func (s *SQLStore) FindByGatewayCustomer(ctx context.Context, customerID string) (Subscription, bool, error) {
	const q = `SELECT ` + columns + `
FROM user_subscriptions
WHERE stripe_customer_id = $1
ORDER BY updated_at DESC
LIMIT 1
`
	sub, err := scan(s.db.QueryRowContext(ctx, q, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	return sub, true, nil
}

// UpsertFromGateway writes the provider's view of a subscription. It updates
// the row already linked to the provider subscription, else adopts the user's
// unlinked row (typically the free one), else inserts.
func (s *SQLStore) UpsertFromGateway(ctx context.Context, u GatewayUpdate) (Subscription, error) {
	if u.GatewaySubscriptionID == "" || u.UserID == "" {
		return Subscription{}, errors.New("gateway subscription id and user id are required")
	}
	now := s.clock().UTC()

	var id string
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const byGateway = `
UPDATE user_subscriptions
SET plan_id = $1, status = $2, stripe_customer_id = $3,
    current_period_start = $4, current_period_end = $5, updated_at = $6
WHERE stripe_subscription_id = $7
`
		res, err := tx.ExecContext(ctx, byGateway, u.PlanID, u.Status, utils.NullString(u.GatewayCustomerID),
			u.PeriodStart.UTC(), u.PeriodEnd.UTC(), now, u.GatewaySubscriptionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return tx.QueryRowContext(ctx, `SELECT id FROM user_subscriptions WHERE stripe_subscription_id = $1`,
				u.GatewaySubscriptionID).Scan(&id)
		}

		err = tx.QueryRowContext(ctx, `
SELECT id FROM user_subscriptions
WHERE user_id = $1 AND stripe_subscription_id IS NULL
ORDER BY created_at ASC
LIMIT 1
`, u.UserID).Scan(&id)
		switch {
		case err == nil:
			const adopt = `
UPDATE user_subscriptions
SET plan_id = $1, status = $2, stripe_customer_id = $3, stripe_subscription_id = $4,
    current_period_start = $5, current_period_end = $6, updated_at = $7
WHERE id = $8
`
			_, err = tx.ExecContext(ctx, adopt, u.PlanID, u.Status, utils.NullString(u.GatewayCustomerID),
				u.GatewaySubscriptionID, u.PeriodStart.UTC(), u.PeriodEnd.UTC(), now, id)
			return err
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		id = uuid.NewString()
		const insert = `
INSERT INTO user_subscriptions (
  id, user_id, plan_id, status, stripe_customer_id, stripe_subscription_id,
  current_period_start, current_period_end, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
		_, err = tx.ExecContext(ctx, insert, id, u.UserID, u.PlanID, u.Status,
			utils.NullString(u.GatewayCustomerID), u.GatewaySubscriptionID,
			u.PeriodStart.UTC(), u.PeriodEnd.UTC(), now, now)
		return err
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("upsert subscription %s: %w", u.GatewaySubscriptionID, err)
	}
	return s.Get(ctx, id)
}

// UpdateFromGateway writes status and period onto the row linked to the
// provider subscription. Unknown subscriptions yield ErrNotFound.
func (s *SQLStore) UpdateFromGateway(ctx context.Context, gatewaySubscriptionID string, status Status, start, end time.Time) error {
	const q = `
UPDATE user_subscriptions
SET status = $1, current_period_start = $2, current_period_end = $3, updated_at = $4
WHERE stripe_subscription_id = $5
`
	res, err := s.db.ExecContext(ctx, q, status, start.UTC(), end.UTC(), s.clock().UTC(), gatewaySubscriptionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: gateway subscription %s", ErrNotFound, gatewaySubscriptionID)
	}
	return nil
}
