package settlement

import (
	"context"
	"fmt"

	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
	"github.com/tsylvester/paynless-framework-sub006/pkg/logger"
)

// catalogChanged switches plan availability when the provider activates or
// retires a product or price. Plans unknown to the catalog are acknowledged.
func (p *Pipeline) catalogChanged(ctx context.Context, ev gateway.Event) (Confirmation, error) {
	log := logger.From(ctx)

	w, ok := p.plans.(catalog.Writer)
	if !ok || ev.Catalog == nil {
		log.Info("catalog event acknowledged without action")
		return Confirmation{Success: true, Outcome: OutcomeUnhandled}, nil
	}
	change := ev.Catalog
	log = log.With("product_id", change.ProductID, "price_id", change.PriceID, "active", change.Active)

	var (
		n   int
		err error
	)
	if change.PriceID != "" {
		n, err = w.SetItemActive(ctx, change.PriceID, change.Active)
	} else {
		n, err = w.SetProductActive(ctx, change.ProductID, change.Active)
	}
	if err != nil {
		return Confirmation{Outcome: OutcomeFailed, Error: "failed to update plan availability"}, fmt.Errorf("apply catalog change: %w", err)
	}
	if n == 0 {
		log.Info("catalog event matched no plan")
		return Confirmation{Success: true, Outcome: OutcomeUnhandled}, nil
	}

	log.Info("plan availability updated", "plans", n)
	return Confirmation{Success: true, Outcome: OutcomeCatalogUpdated}, nil
}
