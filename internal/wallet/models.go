package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the single opaque unit every wallet is denominated in.
const Currency = "AI_TOKEN"

// Wallet is a balance-bearing account owned by exactly one user or one
// organization.
// Invariant: Balance equals the sum of the signed amounts of its ledger
// entries and is never negative.
type Wallet struct {
	WalletID       string          `json:"walletId"`
	UserID         string          `json:"userId,omitempty"`
	OrganizationID string          `json:"organizationId,omitempty"`
	Balance        decimal.Decimal `json:"balance"`
	Currency       string          `json:"currency"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Owner identifies the principal a wallet belongs to. Exactly one field must be set.
type Owner struct {
	UserID         string
	OrganizationID string
}

func (o Owner) valid() bool {
	return (o.UserID == "") != (o.OrganizationID == "")
}

// Principal is the caller a read is performed for.
type Principal struct {
	UserID string
	// System bypasses ownership checks (pipelines, scheduled jobs).
	System bool
}

// SystemPrincipal is used by internal callers that act on any wallet.
func SystemPrincipal() Principal { return Principal{System: true} }

// UserPrincipal scopes reads to what userID may see.
func UserPrincipal(userID string) Principal { return Principal{UserID: userID} }

type TransactionType string

const (
	TypeCreditPurchase              TransactionType = "CREDIT_PURCHASE"
	TypeCreditAdjustment            TransactionType = "CREDIT_ADJUSTMENT"
	TypeCreditReferral              TransactionType = "CREDIT_REFERRAL"
	TypeCreditMonthlyFreeAllocation TransactionType = "CREDIT_MONTHLY_FREE_ALLOCATION"
	TypeDebitUsage                  TransactionType = "DEBIT_USAGE"
	TypeDebitAdjustment             TransactionType = "DEBIT_ADJUSTMENT"
	TypeTransferIn                  TransactionType = "TRANSFER_IN"
	TypeTransferOut                 TransactionType = "TRANSFER_OUT"
)

// Sign returns +1 for types that increase the balance, -1 for types that
// decrease it and 0 for unknown types.
func (t TransactionType) Sign() int {
	switch t {
	case TypeCreditPurchase, TypeCreditAdjustment, TypeCreditReferral, TypeCreditMonthlyFreeAllocation, TypeTransferIn:
		return 1
	case TypeDebitUsage, TypeDebitAdjustment, TypeTransferOut:
		return -1
	default:
		return 0
	}
}

// SignedDelta applies the type's sign to an unsigned amount.
func (t TransactionType) SignedDelta(amount decimal.Decimal) decimal.Decimal {
	if t.Sign() < 0 {
		return amount.Neg()
	}
	return amount
}

// LedgerEntry is an immutable append-only wallet transaction.
// At most one entry exists per IdempotencyKey.
type LedgerEntry struct {
	TransactionID string          `json:"transactionId"`
	WalletID      string          `json:"walletId"`
	Type          TransactionType `json:"type"`

	// Amount is unsigned; the direction comes from Type.
	Amount          decimal.Decimal `json:"amount"`
	BalanceAfterTxn decimal.Decimal `json:"balanceAfterTxn"`

	RecordedByUserID     string `json:"recordedByUserId"`
	IdempotencyKey       string `json:"idempotencyKey"`
	RelatedEntityID      string `json:"relatedEntityId,omitempty"`
	RelatedEntityType    string `json:"relatedEntityType,omitempty"`
	PaymentTransactionID string `json:"paymentTransactionId,omitempty"`
	Notes                string `json:"notes,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// RecordParams is the input of RecordTransaction.
type RecordParams struct {
	WalletID         string
	Type             TransactionType
	Amount           string
	RecordedByUserID string
	IdempotencyKey   string

	RelatedEntityID      string
	RelatedEntityType    string
	PaymentTransactionID string
	Notes                string
}

// Page bounds a history query.
type Page struct {
	Limit  int
	Offset int
}

// DefaultPage mirrors the HTTP defaults.
var DefaultPage = Page{Limit: 20, Offset: 0}

// History is one page of entries, newest first, with the wallet's total count.
type History struct {
	Entries    []LedgerEntry `json:"data"`
	TotalCount int           `json:"totalCount"`
}
