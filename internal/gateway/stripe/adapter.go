// Package stripe adapts Stripe Checkout and Stripe webhooks to the gateway
// contract.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/config"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
	"github.com/tsylvester/paynless-framework-sub006/pkg/logger"
)

const (
	GatewayID = "stripe"

	signatureHeader = "Stripe-Signature"

	// Metadata keys on checkout sessions.
	metaPaymentID      = "internal_payment_id"
	metaUserID         = "user_id"
	metaOrganizationID = "organization_id"
	metaItemID         = "item_id"

	billingReasonSubscriptionCreate = "subscription_create"
)

type sessionCreator interface {
	New(params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error)
}

type subscriptionGetter interface {
	Get(id string, params *stripego.SubscriptionParams) (*stripego.Subscription, error)
}

// Adapter is the Stripe gateway adapter.
type Adapter struct {
	sessions      sessionCreator
	subscriptions subscriptionGetter
	webhookSecret string
	siteURL       string
}

// New builds an adapter from explicit configuration. The secret key is chosen
// by cfg.TestMode.
func New(cfg config.StripeConfig, siteURL string) (*Adapter, error) {
	if !cfg.Enabled() {
		return nil, errors.New("stripe: secret key and webhook secret are required")
	}
	api := client.New(cfg.SecretKey(), nil)
	return NewWithClients(api.CheckoutSessions, api.Subscriptions, cfg.WebhookSecret, siteURL), nil
}

// NewWithClients wires explicit API clients.
func NewWithClients(sessions sessionCreator, subscriptions subscriptionGetter, webhookSecret, siteURL string) *Adapter {
	return &Adapter{
		sessions:      sessions,
		subscriptions: subscriptions,
		webhookSecret: webhookSecret,
		siteURL:       strings.TrimRight(siteURL, "/"),
	}
}

func (a *Adapter) ID() string { return GatewayID }

func (a *Adapter) SignatureHeader() string { return signatureHeader }

// InitiatePayment creates a Checkout session in payment or subscription mode.
func (a *Adapter) InitiatePayment(ctx context.Context, in gateway.InitiationContext) (gateway.InitiationResult, error) {
	var mode stripego.CheckoutSessionMode
	switch in.Plan.PlanType {
	case catalog.PlanTypeOneTime:
		mode = stripego.CheckoutSessionModePayment
	case catalog.PlanTypeSubscription:
		mode = stripego.CheckoutSessionModeSubscription
	default:
		return gateway.InitiationResult{}, fmt.Errorf("%w: %q for item %s", gateway.ErrUnsupportedPlan, in.Plan.PlanType, in.Plan.ItemID)
	}
	if in.Plan.ItemID == "" {
		return gateway.InitiationResult{}, fmt.Errorf("%w: price id missing for plan %s", catalog.ErrPlanMisconfigured, in.Plan.ID)
	}

	params := &stripego.CheckoutSessionParams{
		Mode: stripego.String(string(mode)),
		LineItems: []*stripego.CheckoutSessionLineItemParams{{
			Price:    stripego.String(in.Plan.ItemID),
			Quantity: stripego.Int64(int64(in.Quantity)),
		}},
		SuccessURL:        stripego.String(fmt.Sprintf("%s/subscription/success?session_id={CHECKOUT_SESSION_ID}&payment_id=%s", a.siteURL, in.SettlementID)),
		CancelURL:         stripego.String(a.siteURL + "/subscription"),
		ClientReferenceID: stripego.String(in.UserID),
	}
	params.Context = ctx
	params.AddMetadata(metaPaymentID, in.SettlementID)
	params.AddMetadata(metaUserID, in.UserID)
	params.AddMetadata(metaOrganizationID, in.OrganizationID)
	params.AddMetadata(metaItemID, in.Plan.ItemID)
	if mode == stripego.CheckoutSessionModeSubscription {
		params.SubscriptionData = &stripego.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metaPaymentID: in.SettlementID, metaUserID: in.UserID},
		}
	}

	sess, err := a.sessions.New(params)
	if err != nil {
		return gateway.InitiationResult{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	out := gateway.InitiationResult{GatewayTransactionID: sess.ID, RedirectURL: sess.URL}
	if sess.PaymentIntent != nil {
		out.ClientSecret = sess.PaymentIntent.ClientSecret
	}
	return out, nil
}

// ParseWebhook verifies the Stripe-Signature header and maps the event.
func (a *Adapter) ParseWebhook(ctx context.Context, payload []byte, signature string) (gateway.Event, error) {
	if signature == "" {
		return gateway.Event{}, fmt.Errorf("%w: signature missing", gateway.ErrSignatureVerification)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return gateway.Event{}, fmt.Errorf("%w: %v", gateway.ErrSignatureVerification, err)
	}

	out := gateway.Event{Kind: gateway.KindUnhandled, ID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return out, fmt.Errorf("%w: event %s has no data", gateway.ErrMalformedEvent, ev.ID)
	}

	switch ev.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return a.checkoutSucceeded(ctx, out, ev.Data.Raw)
	case "checkout.session.async_payment_failed":
		return checkoutOutcome(out, ev.Data.Raw, gateway.KindPaymentFailed)
	case "checkout.session.expired":
		return checkoutOutcome(out, ev.Data.Raw, gateway.KindSessionExpired)
	case "invoice.payment_succeeded":
		return invoiceRenewal(out, ev.Data.Raw)
	case "invoice.payment_failed":
		return a.invoiceFailed(ctx, out, ev.Data.Raw)
	case "customer.subscription.updated", "customer.subscription.deleted":
		return subscriptionChanged(out, ev.Data.Raw)
	case "product.created", "product.updated", "product.deleted":
		return productChanged(out, ev.Data.Raw, ev.Type == "product.deleted")
	case "price.created", "price.updated", "price.deleted":
		return priceChanged(out, ev.Data.Raw, ev.Type == "price.deleted")
	default:
		logger.From(ctx).Debug("stripe event not handled", "event_id", ev.ID, "type", ev.Type)
		return out, nil
	}
}

func decodeSession(raw json.RawMessage) (stripego.CheckoutSession, error) {
	var s stripego.CheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return stripego.CheckoutSession{}, fmt.Errorf("%w: checkout session: %v", gateway.ErrMalformedEvent, err)
	}
	return s, nil
}

// correlationID prefers our metadata and falls back to nothing; the
// client_reference_id carries the user, not the settlement.
func correlationID(s stripego.CheckoutSession) string {
	return s.Metadata[metaPaymentID]
}

func checkoutOutcome(out gateway.Event, raw json.RawMessage, kind gateway.EventKind) (gateway.Event, error) {
	s, err := decodeSession(raw)
	if err != nil {
		return out, err
	}
	out.Kind = kind
	out.CorrelationID = correlationID(s)
	out.GatewayTransactionID = s.ID
	if kind == gateway.KindPaymentFailed {
		out.FailureReason = "checkout async payment failed"
	}
	return out, nil
}

func (a *Adapter) checkoutSucceeded(ctx context.Context, out gateway.Event, raw json.RawMessage) (gateway.Event, error) {
	s, err := decodeSession(raw)
	if err != nil {
		return out, err
	}
	out.Kind = gateway.KindPaymentSucceeded
	out.CorrelationID = correlationID(s)
	out.GatewayTransactionID = s.ID

	if s.Mode != stripego.CheckoutSessionModeSubscription || s.Subscription == nil || s.Subscription.ID == "" {
		return out, nil
	}

	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	sub, err := a.subscriptions.Get(s.Subscription.ID, params)
	if err != nil {
		return out, fmt.Errorf("stripe: retrieve subscription %s: %w", s.Subscription.ID, err)
	}
	info := subscriptionInfo(sub)
	info.UserID = s.ClientReferenceID
	if info.GatewayCustomerID == "" && s.Customer != nil {
		info.GatewayCustomerID = s.Customer.ID
	}
	out.Subscription = &info
	return out, nil
}

func invoiceRenewal(out gateway.Event, raw json.RawMessage) (gateway.Event, error) {
	var inv stripego.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return out, fmt.Errorf("%w: invoice: %v", gateway.ErrMalformedEvent, err)
	}
	out.Kind = gateway.KindRenewal
	out.GatewayTransactionID = inv.ID
	out.Renewal = renewalInfo(inv)
	return out, nil
}

func (a *Adapter) invoiceFailed(ctx context.Context, out gateway.Event, raw json.RawMessage) (gateway.Event, error) {
	var inv stripego.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return out, fmt.Errorf("%w: invoice: %v", gateway.ErrMalformedEvent, err)
	}
	out.Kind = gateway.KindRenewalFailed
	out.GatewayTransactionID = inv.ID
	out.Renewal = renewalInfo(inv)
	out.Renewal.AmountPaidMinor = inv.AmountDue
	out.FailureReason = fmt.Sprintf("invoice payment failed (attempt %d)", inv.AttemptCount)

	if inv.Subscription == nil || inv.Subscription.ID == "" {
		return out, nil
	}
	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	sub, err := a.subscriptions.Get(inv.Subscription.ID, params)
	if err != nil {
		// Status write-through is best-effort here; the failure record does not need it.
		logger.From(ctx).Warn("stripe subscription lookup failed", "subscription_id", inv.Subscription.ID, "error", err)
		return out, nil
	}
	info := subscriptionInfo(sub)
	out.Subscription = &info
	return out, nil
}

func subscriptionChanged(out gateway.Event, raw json.RawMessage) (gateway.Event, error) {
	var sub stripego.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return out, fmt.Errorf("%w: subscription: %v", gateway.ErrMalformedEvent, err)
	}
	out.Kind = gateway.KindSubscriptionChanged
	out.GatewayTransactionID = sub.ID
	info := subscriptionInfo(&sub)
	out.Subscription = &info
	return out, nil
}

func productChanged(out gateway.Event, raw json.RawMessage, deleted bool) (gateway.Event, error) {
	var prod stripego.Product
	if err := json.Unmarshal(raw, &prod); err != nil {
		return out, fmt.Errorf("%w: product: %v", gateway.ErrMalformedEvent, err)
	}
	if prod.ID == "" {
		return out, fmt.Errorf("%w: product without id", gateway.ErrMalformedEvent)
	}
	out.Kind = gateway.KindCatalogChanged
	out.Catalog = &gateway.CatalogChange{ProductID: prod.ID, Active: prod.Active && !deleted}
	return out, nil
}

func priceChanged(out gateway.Event, raw json.RawMessage, deleted bool) (gateway.Event, error) {
	var price stripego.Price
	if err := json.Unmarshal(raw, &price); err != nil {
		return out, fmt.Errorf("%w: price: %v", gateway.ErrMalformedEvent, err)
	}
	if price.ID == "" {
		return out, fmt.Errorf("%w: price without id", gateway.ErrMalformedEvent)
	}
	change := &gateway.CatalogChange{PriceID: price.ID, Active: price.Active && !deleted}
	if price.Product != nil {
		change.ProductID = price.Product.ID
	}
	out.Kind = gateway.KindCatalogChanged
	out.Catalog = change
	return out, nil
}

func renewalInfo(inv stripego.Invoice) *gateway.RenewalInfo {
	r := &gateway.RenewalInfo{
		InvoiceID:       inv.ID,
		AmountPaidMinor: inv.AmountPaid,
		Currency:        string(inv.Currency),
		PeriodStart:     unix(inv.PeriodStart),
		PeriodEnd:       unix(inv.PeriodEnd),
		Initial:         string(inv.BillingReason) == billingReasonSubscriptionCreate,
	}
	if inv.Customer != nil {
		r.GatewayCustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		r.GatewaySubscriptionID = inv.Subscription.ID
	}
	// The line item carries the subscription period and price.
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line == nil {
				continue
			}
			if line.Price != nil && r.PriceID == "" {
				r.PriceID = line.Price.ID
			}
			if line.Period != nil && line.Period.End > 0 {
				r.PeriodStart = unix(line.Period.Start)
				r.PeriodEnd = unix(line.Period.End)
			}
		}
	}
	return r
}

func subscriptionInfo(sub *stripego.Subscription) gateway.SubscriptionInfo {
	info := gateway.SubscriptionInfo{
		GatewaySubscriptionID: sub.ID,
		Status:                string(sub.Status),
		PeriodStart:           unix(sub.CurrentPeriodStart),
		PeriodEnd:             unix(sub.CurrentPeriodEnd),
	}
	if sub.Customer != nil {
		info.GatewayCustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil {
				info.PriceID = item.Price.ID
				break
			}
		}
	}
	return info
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
