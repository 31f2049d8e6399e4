package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - At least one target id is set.
// - Audit capture is best-effort; do not block money flows on audit failures.
//
// Storage: table audit_events, INSERT-only.

type Event struct {
	ID string `json:"id" yaml:"id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" yaml:"type"`

	// ActorUserID is the user on whose behalf the operation ran (if applicable).
	ActorUserID string `json:"actorUserId,omitempty" yaml:"actorUserId,omitempty"`

	// Target identifiers (optional, depending on the event type).
	WalletID       string `json:"walletId,omitempty" yaml:"walletId,omitempty"`
	SettlementID   string `json:"settlementId,omitempty" yaml:"settlementId,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty" yaml:"subscriptionId,omitempty"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

type EventType string

const (
	// EventTypeTokenAwardFailed: payment captured, ledger credit did not land.
	EventTypeTokenAwardFailed EventType = "token_award_failed"
	// EventTypePeriodAdvanceFailed: allocation credited, period not advanced.
	EventTypePeriodAdvanceFailed EventType = "period_advance_failed"
	EventTypeWalletDeleted       EventType = "wallet_deleted"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeTokenAwardFailed, EventTypePeriodAdvanceFailed, EventTypeWalletDeleted:
		return true
	}
	return false
}
