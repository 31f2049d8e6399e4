package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
	"github.com/tsylvester/paynless-framework-sub006/internal/subscription"
	"github.com/tsylvester/paynless-framework-sub006/pkg/logger"
)

// renew credits a paid recurring invoice. The invoice id is the gateway
// transaction id, so (gateway, invoice) identifies the renewal record.
func (p *Pipeline) renew(ctx context.Context, gatewayID string, ev gateway.Event) (Confirmation, error) {
	r := ev.Renewal
	if r == nil || r.InvoiceID == "" {
		return Confirmation{Outcome: OutcomeFailed, Error: gateway.ErrMalformedEvent.Error()}, gateway.ErrMalformedEvent
	}
	log := logger.From(ctx).With("invoice_id", r.InvoiceID)
	ctx = logger.With(ctx, log)

	if r.Initial {
		log.Info("initial subscription invoice settled by checkout; skipping")
		return Confirmation{Success: true, Outcome: OutcomeAlreadyProcessed}, nil
	}

	if rec, ok, err := p.store.FindByGatewayTransaction(ctx, gatewayID, r.InvoiceID); err != nil {
		return Confirmation{Outcome: OutcomeFailed, Error: "failed to look up renewal"}, err
	} else if ok {
		if rec.Status != StatusPending {
			return gate(rec), nil
		}
		return p.complete(ctx, rec, gateway.Event{GatewayTransactionID: r.InvoiceID})
	}

	sub, userWallet, plan, err := p.resolveRenewal(ctx, r)
	if err != nil {
		return Confirmation{Outcome: OutcomeFailed, Error: err.Error()}, err
	}

	now := p.clock().UTC()
	rec := Record{
		ID:                    uuid.NewString(),
		UserID:                sub.UserID,
		TargetWalletID:        userWallet,
		GatewayID:             gatewayID,
		Status:                StatusPending,
		TokensToAward:         decimal.NewFromInt(plan.TokensToAward),
		GatewayTransactionID:  r.InvoiceID,
		AmountRequestedFiat:   r.AmountPaidMinor,
		CurrencyRequestedFiat: r.Currency,
		Metadata: map[string]any{
			MetaType:           MetaTypeRenewal,
			MetaItemID:         plan.ItemID,
			MetaEventID:        ev.ID,
			MetaSubscriptionID: r.GatewaySubscriptionID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateGatewayTransaction) {
			existing, ok, ferr := p.store.FindByGatewayTransaction(ctx, gatewayID, r.InvoiceID)
			if ferr == nil && ok {
				return gate(existing), nil
			}
		}
		return Confirmation{Outcome: OutcomeFailed, Error: "failed to record renewal"}, fmt.Errorf("create renewal: %w", err)
	}

	if r.GatewaySubscriptionID != "" && !r.PeriodEnd.IsZero() {
		if err := p.subs.UpdateFromGateway(ctx, r.GatewaySubscriptionID, subscription.StatusActive, r.PeriodStart, r.PeriodEnd); err != nil {
			log.Warn("subscription period not refreshed", "subscription_id", r.GatewaySubscriptionID, "error", err)
		}
	}

	return p.complete(ctx, rec, gateway.Event{GatewayTransactionID: r.InvoiceID})
}

func (p *Pipeline) resolveRenewal(ctx context.Context, r *gateway.RenewalInfo) (subscription.Subscription, string, catalog.Plan, error) {
	if r.GatewayCustomerID == "" {
		return subscription.Subscription{}, "", catalog.Plan{}, fmt.Errorf("%w: invoice %s has no customer", ErrRenewalUnresolved, r.InvoiceID)
	}
	sub, ok, err := p.subs.FindByGatewayCustomer(ctx, r.GatewayCustomerID)
	if err != nil {
		return subscription.Subscription{}, "", catalog.Plan{}, err
	}
	if !ok {
		return subscription.Subscription{}, "", catalog.Plan{}, fmt.Errorf("%w: no subscription for customer %s", ErrRenewalUnresolved, r.GatewayCustomerID)
	}

	plan, err := p.plans.FindByItemID(ctx, r.PriceID)
	if err != nil {
		if plan, err = p.plans.FindByID(ctx, sub.PlanID); err != nil {
			return subscription.Subscription{}, "", catalog.Plan{}, err
		}
	}

	w, err := p.ledger.GetWalletForContext(ctx, sub.UserID, "")
	if err != nil {
		return subscription.Subscription{}, "", catalog.Plan{}, fmt.Errorf("%w: wallet for user %s: %w", ErrRenewalUnresolved, sub.UserID, err)
	}
	return sub, w.WalletID, plan, nil
}

// renewalFailed records a FAILED settlement for the unpaid invoice and writes
// the provider's subscription status through.
func (p *Pipeline) renewalFailed(ctx context.Context, gatewayID string, ev gateway.Event) (Confirmation, error) {
	r := ev.Renewal
	if r == nil || r.InvoiceID == "" {
		return Confirmation{Outcome: OutcomeFailed, Error: gateway.ErrMalformedEvent.Error()}, gateway.ErrMalformedEvent
	}
	log := logger.From(ctx).With("invoice_id", r.InvoiceID)
	defer p.writeSubscriptionStatus(ctx, ev.Subscription)

	rec, ok, err := p.store.FindByGatewayTransaction(ctx, gatewayID, r.InvoiceID)
	if err != nil {
		return Confirmation{Outcome: OutcomeFailed, Error: "failed to look up renewal"}, err
	}
	if ok {
		switch rec.Status {
		case StatusPending:
			return p.fail(logger.With(ctx, log), rec, ev)
		case StatusCompleted:
			log.Warn("failed invoice event for a completed renewal; review needed", "settlement_id", rec.ID)
		}
		return Confirmation{Success: true, TransactionID: rec.ID, Outcome: OutcomeAlreadyProcessed}, nil
	}

	sub, ok, err := p.subs.FindByGatewayCustomer(ctx, r.GatewayCustomerID)
	if err != nil {
		return Confirmation{Outcome: OutcomeFailed, Error: err.Error()}, err
	}
	if !ok {
		err := fmt.Errorf("%w: no subscription for customer %q", ErrRenewalUnresolved, r.GatewayCustomerID)
		return Confirmation{Outcome: OutcomeFailed, Error: err.Error()}, err
	}
	w, err := p.ledger.GetWalletForContext(ctx, sub.UserID, "")
	if err != nil {
		err = fmt.Errorf("%w: wallet for user %s: %w", ErrRenewalUnresolved, sub.UserID, err)
		return Confirmation{Outcome: OutcomeFailed, Error: err.Error()}, err
	}

	now := p.clock().UTC()
	rec = Record{
		ID:                    uuid.NewString(),
		UserID:                sub.UserID,
		TargetWalletID:        w.WalletID,
		GatewayID:             gatewayID,
		Status:                StatusFailed,
		TokensToAward:         decimal.Zero,
		GatewayTransactionID:  r.InvoiceID,
		AmountRequestedFiat:   r.AmountPaidMinor,
		CurrencyRequestedFiat: r.Currency,
		Metadata: map[string]any{
			MetaType:           MetaTypeRenewalFailed,
			MetaEventID:        ev.ID,
			MetaSubscriptionID: r.GatewaySubscriptionID,
			MetaErrorMessage:   ev.FailureReason,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateGatewayTransaction) {
			return Confirmation{Success: true, Outcome: OutcomeAlreadyProcessed}, nil
		}
		return Confirmation{Outcome: OutcomeFailed, Error: "failed to record failed renewal"}, fmt.Errorf("create failed renewal: %w", err)
	}
	log.Info("renewal payment failed", "settlement_id", rec.ID)
	return Confirmation{Success: true, TransactionID: rec.ID, Outcome: OutcomeFailed}, nil
}

func (p *Pipeline) writeSubscriptionStatus(ctx context.Context, info *gateway.SubscriptionInfo) {
	if info == nil || info.GatewaySubscriptionID == "" || info.PeriodEnd.IsZero() {
		return
	}
	err := p.subs.UpdateFromGateway(ctx, info.GatewaySubscriptionID, subscription.Status(info.Status), info.PeriodStart, info.PeriodEnd)
	if err != nil {
		logger.From(ctx).Warn("subscription status not written", "subscription_id", info.GatewaySubscriptionID, "error", err)
	}
}

// subscriptionChanged writes status and period through to the subscription row.
func (p *Pipeline) subscriptionChanged(ctx context.Context, ev gateway.Event) (Confirmation, error) {
	info := ev.Subscription
	if info == nil || info.GatewaySubscriptionID == "" {
		return Confirmation{Outcome: OutcomeFailed, Error: gateway.ErrMalformedEvent.Error()}, gateway.ErrMalformedEvent
	}
	err := p.subs.UpdateFromGateway(ctx, info.GatewaySubscriptionID, subscription.Status(info.Status), info.PeriodStart, info.PeriodEnd)
	if errors.Is(err, subscription.ErrNotFound) {
		logger.From(ctx).Info("subscription change for unknown subscription", "subscription_id", info.GatewaySubscriptionID)
		return Confirmation{Success: true, Outcome: OutcomeUnhandled}, nil
	}
	if err != nil {
		return Confirmation{Outcome: OutcomeFailed, Error: "failed to update subscription"}, err
	}
	return Confirmation{Success: true, Outcome: OutcomeSubscriptionUpdated}, nil
}
