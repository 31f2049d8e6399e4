package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
)

// Adapter defines the provider-agnostic interface used by the settlement
// pipeline.
//
// Rules:
// - No provider SDK calls outside gateway adapters.
// - Adapters never touch the ledger or settlement records; they translate.
// - Webhook signatures are verified before any payload field is trusted.
type Adapter interface {
	ID() string

	// SignatureHeader is the HTTP header carrying the webhook signature.
	SignatureHeader() string

	InitiatePayment(ctx context.Context, in InitiationContext) (InitiationResult, error)

	// ParseWebhook verifies payload against signature and maps it to an
	// Event. It returns ErrSignatureVerification when verification fails.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (Event, error)
}

var (
	ErrSignatureVerification = errors.New("webhook signature verification failed")
	ErrGatewayNotSupported   = errors.New("payment gateway not supported")
	// ErrUnsupportedPlan is returned when the provider cannot sell the plan type.
	ErrUnsupportedPlan = errors.New("plan type not supported by gateway")
	ErrMalformedEvent  = errors.New("malformed webhook event")
)

// InitiationContext carries a PENDING settlement to the provider.
type InitiationContext struct {
	// SettlementID is the correlation token echoed back by webhooks.
	SettlementID   string
	UserID         string
	OrganizationID string
	WalletID       string

	Plan     catalog.Plan
	Quantity int

	AmountMinor   int64
	Currency      string
	TokensToAward string
}

// InitiationResult is what the client needs to continue checkout.
type InitiationResult struct {
	// GatewayTransactionID is the provider's checkout/order id.
	GatewayTransactionID string
	RedirectURL          string
	ClientSecret         string
}

type EventKind string

const (
	KindPaymentSucceeded    EventKind = "payment_succeeded"
	KindPaymentFailed       EventKind = "payment_failed"
	KindSessionExpired      EventKind = "session_expired"
	KindRenewal             EventKind = "renewal"
	KindRenewalFailed       EventKind = "renewal_failed"
	KindSubscriptionChanged EventKind = "subscription_changed"
	KindCatalogChanged      EventKind = "catalog_changed"
	KindUnhandled           EventKind = "unhandled"
)

// Event is the canonical, provider-agnostic webhook event.
type Event struct {
	Kind EventKind
	// ID and Type are the provider's event id and raw type, for logs.
	ID   string
	Type string

	// CorrelationID is the settlement id set at initiation.
	CorrelationID        string
	GatewayTransactionID string

	// FailureReason is set for KindPaymentFailed when the provider gives one.
	FailureReason string

	Subscription *SubscriptionInfo
	Renewal      *RenewalInfo
	Catalog      *CatalogChange
}

// CatalogChange reports a provider product or price switching availability.
// PriceID is set for price events; product events carry only ProductID.
type CatalogChange struct {
	ProductID string
	PriceID   string
	Active    bool
}

// SubscriptionInfo is the provider view of a subscription.
type SubscriptionInfo struct {
	GatewaySubscriptionID string
	GatewayCustomerID     string
	// UserID is set when the provider echoes our reference (checkout completion).
	UserID      string
	Status      string
	PriceID     string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// RenewalInfo describes a paid recurring invoice.
type RenewalInfo struct {
	InvoiceID             string
	GatewayCustomerID     string
	GatewaySubscriptionID string
	PriceID               string
	AmountPaidMinor       int64
	Currency              string
	PeriodStart           time.Time
	PeriodEnd             time.Time

	// Initial marks the first invoice of a subscription; the checkout
	// completion already settled it.
	Initial bool
}
