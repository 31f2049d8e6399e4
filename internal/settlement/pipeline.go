package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
	"github.com/tsylvester/paynless-framework-sub006/internal/subscription"
	"github.com/tsylvester/paynless-framework-sub006/internal/wallet"
	"github.com/tsylvester/paynless-framework-sub006/pkg/logger"
)

var (
	ErrInvalidRequest   = errors.New("invalid purchase request")
	ErrCurrencyMismatch = errors.New("currency does not match item currency")
	// ErrGatewayFailure wraps adapter errors during initiation.
	ErrGatewayFailure     = errors.New("payment gateway failure")
	ErrCorrelationMissing = errors.New("webhook event carries no settlement correlation id")
	// ErrRenewalUnresolved means a renewal invoice could not be tied to a user or wallet.
	ErrRenewalUnresolved = errors.New("renewal could not be resolved to a subscription or wallet")
)

const (
	relatedEntityType = "payment_transactions"

	msgPreviouslyFailed  = "Payment previously marked as failed."
	msgPreviouslyExpired = "Payment session previously expired."
	msgAwardFailed       = "Payment completed but token award failed."
	msgAwardFailedBefore = "Token award previously failed; reconciliation required."
)

// Ledger is the slice of the wallet engine the pipeline depends on.
type Ledger interface {
	GetWalletForContext(ctx context.Context, userID, organizationID string) (wallet.Wallet, error)
	RecordTransaction(ctx context.Context, p wallet.RecordParams) (wallet.LedgerEntry, error)
}

// Subscriptions is the subscription write-through the pipeline performs.
type Subscriptions interface {
	UpsertFromGateway(ctx context.Context, u subscription.GatewayUpdate) (subscription.Subscription, error)
	FindByGatewayCustomer(ctx context.Context, customerID string) (subscription.Subscription, bool, error)
	UpdateFromGateway(ctx context.Context, gatewaySubscriptionID string, status subscription.Status, start, end time.Time) error
}

// Auditor records consistency anomalies.
type Auditor interface {
	LogTokenAwardFailed(ctx context.Context, settlementID, walletID, userID, tokens string, cause error) error
}

// Pipeline is the Payment Settlement Pipeline. It owns every settlement
// record transition; adapters only translate.
//
// Money invariants:
//   - A record is credited at most once: the credit uses idempotency key
//     "settlement:{id}" and only the delivery that wins PENDING -> COMPLETED
//     issues it.
//   - A failed credit after COMPLETED moves the record to TOKEN_AWARD_FAILED
//     and is never retried automatically.
type Pipeline struct {
	store    Store
	ledger   Ledger
	plans    catalog.Repository
	gateways *gateway.Registry
	subs     Subscriptions
	audit    Auditor
	clock    func() time.Time
}

func NewPipeline(store Store, ledger Ledger, plans catalog.Repository, gateways *gateway.Registry, subs Subscriptions, audit Auditor) *Pipeline {
	return &Pipeline{
		store:    store,
		ledger:   ledger,
		plans:    plans,
		gateways: gateways,
		subs:     subs,
		audit:    audit,
		clock:    time.Now,
	}
}

// WithClock overrides the time source.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// CreditKey is the ledger idempotency key for a settlement record.
func CreditKey(settlementID string) string { return "settlement:" + settlementID }

// Initiate records a PENDING settlement and opens a provider checkout.
// The returned result always carries the record id once one was created.
func (p *Pipeline) Initiate(ctx context.Context, userID string, req PurchaseRequest) (InitiationResult, error) {
	log := logger.From(ctx)

	if userID == "" || req.ItemID == "" || req.Quantity <= 0 || req.Currency == "" || req.PaymentGatewayID == "" {
		return InitiationResult{Error: ErrInvalidRequest.Error()}, ErrInvalidRequest
	}

	plan, err := p.plans.FindByItemID(ctx, req.ItemID)
	if err != nil {
		return InitiationResult{Error: err.Error()}, err
	}
	quote, err := plan.Quote(req.Quantity)
	if errors.Is(err, catalog.ErrInvalidQuantity) {
		err = fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err != nil {
		return InitiationResult{Error: err.Error()}, err
	}
	if strings.ToLower(req.Currency) != strings.ToLower(plan.Currency) {
		err := fmt.Errorf("%w: requested %s, item %s", ErrCurrencyMismatch, strings.ToLower(req.Currency), plan.Currency)
		return InitiationResult{Error: err.Error()}, err
	}

	w, err := p.ledger.GetWalletForContext(ctx, userID, req.OrganizationID)
	if err != nil {
		return InitiationResult{Error: err.Error()}, err
	}

	now := p.clock().UTC()
	meta := map[string]any{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta[MetaItemID] = req.ItemID
	meta[MetaQuantity] = req.Quantity
	meta[MetaRequestedCurrency] = strings.ToLower(req.Currency)

	rec := Record{
		ID:                    uuid.NewString(),
		UserID:                userID,
		OrganizationID:        req.OrganizationID,
		TargetWalletID:        w.WalletID,
		GatewayID:             req.PaymentGatewayID,
		Status:                StatusPending,
		TokensToAward:         decimal.NewFromInt(quote.TokensToAward),
		AmountRequestedFiat:   quote.AmountMinor,
		CurrencyRequestedFiat: plan.Currency,
		Metadata:              meta,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := p.store.Create(ctx, rec); err != nil {
		return InitiationResult{Error: "failed to record payment"}, fmt.Errorf("create settlement: %w", err)
	}
	log = log.With("settlement_id", rec.ID, "gateway", rec.GatewayID)

	adapter, err := p.gateways.Get(req.PaymentGatewayID)
	if err != nil {
		p.failInitiation(ctx, rec.ID, err)
		return InitiationResult{TransactionID: rec.ID, Error: err.Error()}, err
	}

	res, err := adapter.InitiatePayment(ctx, gateway.InitiationContext{
		SettlementID:   rec.ID,
		UserID:         userID,
		OrganizationID: req.OrganizationID,
		WalletID:       w.WalletID,
		Plan:           plan,
		Quantity:       req.Quantity,
		AmountMinor:    quote.AmountMinor,
		Currency:       plan.Currency,
		TokensToAward:  rec.TokensToAward.String(),
	})
	if err != nil {
		p.failInitiation(ctx, rec.ID, err)
		return InitiationResult{TransactionID: rec.ID, Error: err.Error()}, fmt.Errorf("%w: %w", ErrGatewayFailure, err)
	}

	if res.GatewayTransactionID != "" {
		if err := p.store.SetGatewayTransactionID(ctx, rec.ID, res.GatewayTransactionID); err != nil {
			// Webhooks correlate on the settlement id, not this column.
			log.Warn("gateway transaction id not stored", "gateway_transaction_id", res.GatewayTransactionID, "error", err)
		}
	}
	log.Info("payment initiated", "gateway_transaction_id", res.GatewayTransactionID, "tokens", rec.TokensToAward.String())

	return InitiationResult{
		Success:                     true,
		TransactionID:               rec.ID,
		PaymentGatewayTransactionID: res.GatewayTransactionID,
		RedirectURL:                 res.RedirectURL,
		ClientSecret:                res.ClientSecret,
	}, nil
}

func (p *Pipeline) failInitiation(ctx context.Context, id string, cause error) {
	err := p.store.Transition(ctx, id, StatusPending, StatusFailed, Patch{
		Metadata: map[string]any{MetaErrorMessage: cause.Error()},
	})
	if err != nil {
		logger.From(ctx).Error("could not mark settlement failed", "settlement_id", id, "cause", cause, "error", err)
	}
}

// HandleWebhook verifies and translates a delivery through the gateway's
// adapter, then confirms it.
func (p *Pipeline) HandleWebhook(ctx context.Context, gatewayID string, payload []byte, signature string) (Confirmation, error) {
	adapter, err := p.gateways.Get(gatewayID)
	if err != nil {
		return Confirmation{Outcome: OutcomeFailed, Error: err.Error()}, err
	}
	ev, err := adapter.ParseWebhook(ctx, payload, signature)
	if err != nil {
		logger.From(ctx).Warn("webhook rejected", "gateway", gatewayID, "error", err)
		return Confirmation{Outcome: OutcomeFailed, Error: err.Error()}, err
	}
	return p.Confirm(ctx, gatewayID, ev)
}

// Confirm applies a verified event. It is safe under duplicate and
// concurrent delivery of the same event.
func (p *Pipeline) Confirm(ctx context.Context, gatewayID string, ev gateway.Event) (Confirmation, error) {
	ctx = logger.With(ctx, logger.From(ctx).With("gateway", gatewayID, "event_id", ev.ID, "event_type", ev.Type))

	switch ev.Kind {
	case gateway.KindPaymentSucceeded, gateway.KindPaymentFailed, gateway.KindSessionExpired:
	case gateway.KindRenewal:
		return p.renew(ctx, gatewayID, ev)
	case gateway.KindRenewalFailed:
		return p.renewalFailed(ctx, gatewayID, ev)
	case gateway.KindSubscriptionChanged:
		return p.subscriptionChanged(ctx, ev)
	case gateway.KindCatalogChanged:
		return p.catalogChanged(ctx, ev)
	default:
		logger.From(ctx).Info("webhook event acknowledged without action")
		return Confirmation{Success: true, Outcome: OutcomeUnhandled}, nil
	}

	if ev.CorrelationID == "" {
		return Confirmation{Outcome: OutcomeFailed, Error: ErrCorrelationMissing.Error()}, ErrCorrelationMissing
	}
	rec, err := p.store.Get(ctx, ev.CorrelationID)
	if err != nil {
		return Confirmation{TransactionID: ev.CorrelationID, Outcome: OutcomeFailed, Error: err.Error()}, err
	}
	if rec.GatewayID != gatewayID {
		err := fmt.Errorf("%w: %s belongs to gateway %s", ErrSettlementNotFound, rec.ID, rec.GatewayID)
		return Confirmation{TransactionID: rec.ID, Outcome: OutcomeFailed, Error: err.Error()}, err
	}
	ctx = logger.With(ctx, logger.From(ctx).With("settlement_id", rec.ID))

	if rec.Status != StatusPending {
		return gate(rec), nil
	}

	switch ev.Kind {
	case gateway.KindPaymentSucceeded:
		return p.complete(ctx, rec, ev)
	case gateway.KindPaymentFailed:
		return p.fail(ctx, rec, ev)
	default:
		return p.expire(ctx, rec, ev)
	}
}

// gate answers for a record that is no longer PENDING without side effects.
func gate(rec Record) Confirmation {
	c := Confirmation{TransactionID: rec.ID}
	switch rec.Status {
	case StatusCompleted:
		tokens := rec.TokensToAward
		c.Success = true
		c.TokensAwarded = &tokens
		c.Outcome = OutcomeAlreadyProcessed
	case StatusFailed:
		c.Outcome = OutcomeFailed
		c.Error = msgPreviouslyFailed
	case StatusExpired:
		c.Outcome = OutcomeExpired
		c.Error = msgPreviouslyExpired
	case StatusTokenAwardFailed:
		c.Outcome = OutcomeTokenAwardFailed
		c.Error = msgAwardFailedBefore
	default:
		c.Outcome = OutcomeFailed
		c.Error = fmt.Sprintf("unexpected settlement status %s", rec.Status)
	}
	return c
}

// regate re-reads a record after a lost transition race.
func (p *Pipeline) regate(ctx context.Context, id string) (Confirmation, error) {
	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return Confirmation{TransactionID: id, Outcome: OutcomeFailed, Error: err.Error()}, err
	}
	if rec.Status == StatusPending {
		// The competing write rolled back; let the gateway retry.
		err := fmt.Errorf("settlement %s still pending after %w", id, ErrStaleTransition)
		return Confirmation{TransactionID: id, Outcome: OutcomeFailed, Error: err.Error()}, err
	}
	return gate(rec), nil
}

func (p *Pipeline) complete(ctx context.Context, rec Record, ev gateway.Event) (Confirmation, error) {
	log := logger.From(ctx)

	if ev.Subscription != nil {
		if err := p.linkSubscription(ctx, rec, ev.Subscription); err != nil {
			return Confirmation{TransactionID: rec.ID, Outcome: OutcomeFailed, Error: "failed to record subscription"}, err
		}
	}

	err := p.store.Transition(ctx, rec.ID, StatusPending, StatusCompleted, Patch{
		GatewayTransactionID: nonEqual(ev.GatewayTransactionID, rec.GatewayTransactionID),
	})
	if errors.Is(err, ErrStaleTransition) {
		log.Info("settlement completed by a concurrent delivery")
		return p.regate(ctx, rec.ID)
	}
	if err != nil {
		return Confirmation{TransactionID: rec.ID, Outcome: OutcomeFailed, Error: "failed to update payment status"}, fmt.Errorf("complete settlement %s: %w", rec.ID, err)
	}

	if !rec.TokensToAward.IsPositive() {
		p.awardFailed(ctx, rec, fmt.Errorf("%w: settlement carries %s tokens", wallet.ErrInvalidAmount, rec.TokensToAward.String()))
		return Confirmation{TransactionID: rec.ID, Outcome: OutcomeTokenAwardFailed, Error: msgAwardFailed}, nil
	}

	notes := fmt.Sprintf("Token purchase via %s (%s)", rec.GatewayID, ev.GatewayTransactionID)
	_, err = p.ledger.RecordTransaction(ctx, wallet.RecordParams{
		WalletID:             rec.TargetWalletID,
		Type:                 wallet.TypeCreditPurchase,
		Amount:               rec.TokensToAward.String(),
		RecordedByUserID:     rec.UserID,
		IdempotencyKey:       CreditKey(rec.ID),
		RelatedEntityID:      rec.ID,
		RelatedEntityType:    relatedEntityType,
		PaymentTransactionID: rec.ID,
		Notes:                notes,
	})
	if err != nil {
		p.awardFailed(ctx, rec, err)
		return Confirmation{TransactionID: rec.ID, Outcome: OutcomeTokenAwardFailed, Error: msgAwardFailed}, nil
	}

	tokens := rec.TokensToAward
	log.Info("settlement credited", "wallet_id", rec.TargetWalletID, "tokens", tokens.String())
	return Confirmation{Success: true, TransactionID: rec.ID, TokensAwarded: &tokens, Outcome: OutcomeCredited}, nil
}

func (p *Pipeline) awardFailed(ctx context.Context, rec Record, cause error) {
	logger.Anomaly(ctx, "payment completed but token award failed",
		"settlement_id", rec.ID,
		"wallet_id", rec.TargetWalletID,
		"tokens", rec.TokensToAward.String(),
		"error", cause,
	)
	err := p.store.Transition(ctx, rec.ID, StatusCompleted, StatusTokenAwardFailed, Patch{
		Metadata: map[string]any{MetaErrorMessage: cause.Error()},
	})
	if err != nil {
		logger.Anomaly(ctx, "could not mark settlement TOKEN_AWARD_FAILED", "settlement_id", rec.ID, "error", err)
	}
	if p.audit != nil {
		if err := p.audit.LogTokenAwardFailed(ctx, rec.ID, rec.TargetWalletID, rec.UserID, rec.TokensToAward.String(), cause); err != nil {
			logger.From(ctx).Error("audit append failed", "settlement_id", rec.ID, "error", err)
		}
	}
}

func (p *Pipeline) fail(ctx context.Context, rec Record, ev gateway.Event) (Confirmation, error) {
	reason := ev.FailureReason
	if reason == "" {
		reason = "payment failed at gateway"
	}
	err := p.store.Transition(ctx, rec.ID, StatusPending, StatusFailed, Patch{
		GatewayTransactionID: nonEqual(ev.GatewayTransactionID, rec.GatewayTransactionID),
		Metadata:             map[string]any{MetaErrorMessage: reason},
	})
	if errors.Is(err, ErrStaleTransition) {
		return p.regate(ctx, rec.ID)
	}
	if err != nil {
		return Confirmation{TransactionID: rec.ID, Outcome: OutcomeFailed, Error: "failed to update payment status"}, fmt.Errorf("fail settlement %s: %w", rec.ID, err)
	}
	logger.From(ctx).Info("settlement failed", "reason", reason)
	return Confirmation{Success: true, TransactionID: rec.ID, Outcome: OutcomeFailed}, nil
}

func (p *Pipeline) expire(ctx context.Context, rec Record, ev gateway.Event) (Confirmation, error) {
	err := p.store.Transition(ctx, rec.ID, StatusPending, StatusExpired, Patch{
		GatewayTransactionID: nonEqual(ev.GatewayTransactionID, rec.GatewayTransactionID),
	})
	if errors.Is(err, ErrStaleTransition) {
		return p.regate(ctx, rec.ID)
	}
	if err != nil {
		return Confirmation{TransactionID: rec.ID, Outcome: OutcomeFailed, Error: "failed to update payment status"}, fmt.Errorf("expire settlement %s: %w", rec.ID, err)
	}
	logger.From(ctx).Info("settlement expired")
	return Confirmation{Success: true, TransactionID: rec.ID, Outcome: OutcomeExpired}, nil
}

func nonEqual(next, current string) string {
	if next == current {
		return ""
	}
	return next
}

func (p *Pipeline) linkSubscription(ctx context.Context, rec Record, info *gateway.SubscriptionInfo) error {
	planID, err := p.planIDForPrice(ctx, info.PriceID, rec)
	if err != nil {
		return err
	}
	status := subscription.Status(info.Status)
	if status == "" {
		status = subscription.StatusActive
	}
	_, err = p.subs.UpsertFromGateway(ctx, subscription.GatewayUpdate{
		UserID:                rec.UserID,
		PlanID:                planID,
		Status:                status,
		GatewayCustomerID:     info.GatewayCustomerID,
		GatewaySubscriptionID: info.GatewaySubscriptionID,
		PeriodStart:           info.PeriodStart,
		PeriodEnd:             info.PeriodEnd,
	})
	return err
}

// planIDForPrice resolves the plan a provider price belongs to, falling back
// to the item recorded at initiation.
func (p *Pipeline) planIDForPrice(ctx context.Context, priceID string, rec Record) (string, error) {
	if priceID != "" {
		if plan, err := p.plans.FindByItemID(ctx, priceID); err == nil {
			return plan.ID, nil
		}
	}
	if item, _ := rec.Metadata[MetaItemID].(string); item != "" {
		plan, err := p.plans.FindByItemID(ctx, item)
		if err != nil {
			return "", err
		}
		return plan.ID, nil
	}
	return "", fmt.Errorf("%w: price %q", catalog.ErrItemNotFound, priceID)
}
