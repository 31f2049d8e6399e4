package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

var (
	ErrItemNotFound      = errors.New("item not found")
	ErrPlanMisconfigured = errors.New("plan misconfigured")
	ErrFreePlanMissing   = errors.New("free plan not configured")
)

// Repository is the read side of the plan catalog.
type Repository interface {
	// FindByItemID returns the active plan sold under itemID.
	FindByItemID(ctx context.Context, itemID string) (Plan, error)
	FindByID(ctx context.Context, planID string) (Plan, error)
	// FreePlan returns the plan with ItemIDInternal "free".
	FreePlan(ctx context.Context) (Plan, error)
}

// Writer applies provider catalog changes. Token grants and prices stay
// owned by the catalog file; providers only switch plans on and off.
type Writer interface {
	// SetItemActive updates the plan sold under itemID and reports how many
	// plans matched.
	SetItemActive(ctx context.Context, itemID string, active bool) (int, error)
	// SetProductActive updates every plan of a provider product.
	SetProductActive(ctx context.Context, productID string, active bool) (int, error)
}

// MemoryRepo is the catalog loaded at startup. Plans may be read and
// toggled concurrently.
type MemoryRepo struct {
	mu    sync.RWMutex
	Plans []Plan
}

func (r *MemoryRepo) FindByItemID(ctx context.Context, itemID string) (Plan, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.Plans {
		if p.Active && p.ItemID == itemID {
			return p, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
}

func (r *MemoryRepo) FindByID(ctx context.Context, planID string) (Plan, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.Plans {
		if p.ID == planID {
			return p, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: plan %s", ErrItemNotFound, planID)
}

func (r *MemoryRepo) FreePlan(ctx context.Context) (Plan, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.Plans {
		if p.ItemIDInternal == FreeItemID {
			return p, nil
		}
	}
	return Plan{}, ErrFreePlanMissing
}

func (r *MemoryRepo) SetItemActive(ctx context.Context, itemID string, active bool) (int, error) {
	return r.setActive(ctx, func(p Plan) bool { return p.ItemID == itemID }, active)
}

func (r *MemoryRepo) SetProductActive(ctx context.Context, productID string, active bool) (int, error) {
	return r.setActive(ctx, func(p Plan) bool { return p.ProductID == productID }, active)
}

func (r *MemoryRepo) setActive(ctx context.Context, match func(Plan) bool, active bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.Plans {
		// The free plan is granted by the allocation runner, never sold.
		if r.Plans[i].ItemIDInternal == FreeItemID || !match(r.Plans[i]) {
			continue
		}
		r.Plans[i].Active = active
		n++
	}
	return n, nil
}

type catalogFile struct {
	Plans []Plan `mapstructure:"plans"`
}

// LoadFile reads a YAML (or JSON/TOML, by extension) catalog of the form
//
//	plans:
//	  - id: basic
//	    item_id: price_123
//	    product_id: prod_123
//	    plan_type: one_time_purchase
//	    amount: 1000
//	    currency: usd
//	    tokens_to_award: 1000
//	    active: true
func LoadFile(path string) (*MemoryRepo, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if !strings.Contains(path, ".") {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var f catalogFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(f.Plans))
	for i, p := range f.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog %s: plan %d has no id", path, i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate plan id %s", path, p.ID)
		}
		seen[p.ID] = struct{}{}
		f.Plans[i].Currency = strings.ToLower(p.Currency)
	}
	return &MemoryRepo{Plans: f.Plans}, nil
}
