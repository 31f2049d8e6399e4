package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the settlement record state.
//
//	PENDING -> COMPLETED | FAILED | EXPIRED
//	COMPLETED -> TOKEN_AWARD_FAILED
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusExpired          Status = "EXPIRED"
	StatusTokenAwardFailed Status = "TOKEN_AWARD_FAILED"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed, StatusExpired},
	StatusCompleted: {StatusTokenAwardFailed},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Record is a payment_transactions row: one attempt to buy tokens.
type Record struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId,omitempty"`
	TargetWalletID string `json:"targetWalletId"`
	GatewayID      string `json:"paymentGatewayId"`
	Status         Status `json:"status"`

	TokensToAward decimal.Decimal `json:"tokensToAward"`

	GatewayTransactionID string `json:"gatewayTransactionId,omitempty"`

	// Requested fiat amount in minor units.
	AmountRequestedFiat   int64  `json:"amountRequestedFiat"`
	CurrencyRequestedFiat string `json:"currencyRequestedFiat"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Metadata keys.
const (
	MetaItemID            = "itemId"
	MetaQuantity          = "quantity"
	MetaRequestedCurrency = "requestedCurrency"
	MetaErrorMessage      = "error_message"
	MetaType              = "type"
	MetaEventID           = "gateway_event_id"
	MetaSubscriptionID    = "gateway_subscription_id"

	MetaTypeRenewal       = "renewal"
	MetaTypeRenewalFailed = "renewal_failed"
)

// PurchaseRequest is the client's purchase intent.
type PurchaseRequest struct {
	ItemID           string         `json:"itemId"`
	Quantity         int            `json:"quantity"`
	Currency         string         `json:"currency"`
	PaymentGatewayID string         `json:"paymentGatewayId"`
	OrganizationID   string         `json:"organizationId,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// InitiationResult is returned to the purchasing client.
type InitiationResult struct {
	Success                     bool   `json:"success"`
	TransactionID               string `json:"transactionId,omitempty"`
	PaymentGatewayTransactionID string `json:"paymentGatewayTransactionId,omitempty"`
	RedirectURL                 string `json:"redirectUrl,omitempty"`
	ClientSecret                string `json:"clientSecret,omitempty"`
	Error                       string `json:"error,omitempty"`
}

// Outcome classifies what a webhook delivery did.
type Outcome string

const (
	OutcomeCredited            Outcome = "credited"
	OutcomeAlreadyProcessed    Outcome = "already_processed"
	OutcomeExpired             Outcome = "expired"
	OutcomeFailed              Outcome = "failed"
	OutcomeTokenAwardFailed    Outcome = "token_award_failed"
	OutcomeSubscriptionUpdated Outcome = "subscription_updated"
	OutcomeCatalogUpdated      Outcome = "catalog_updated"
	OutcomeUnhandled           Outcome = "unhandled"
)

// Confirmation is the result reported for a webhook delivery.
type Confirmation struct {
	Success       bool             `json:"success"`
	TransactionID string           `json:"transactionId,omitempty"`
	TokensAwarded *decimal.Decimal `json:"tokensAwarded,omitempty"`
	Outcome       Outcome          `json:"outcome"`
	Error         string           `json:"error,omitempty"`
}
