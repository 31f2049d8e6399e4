package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records operator-visible anomalies.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to tenant users.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.WalletID == "" && e.SettlementID == "" && e.SubscriptionID == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogTokenAwardFailed records a completed payment whose credit did not land.
func (s *Service) LogTokenAwardFailed(ctx context.Context, settlementID, walletID, userID, tokens string, cause error) error {
	return s.Append(ctx, Event{
		Type:         EventTypeTokenAwardFailed,
		SettlementID: settlementID,
		WalletID:     walletID,
		ActorUserID:  userID,
		Message:      "payment completed but token award failed",
		Metadata:     encodeMetadata(map[string]string{"tokens": tokens, "error": errString(cause)}),
	})
}

// LogPeriodAdvanceFailed records an allocation credit whose period was not moved.
func (s *Service) LogPeriodAdvanceFailed(ctx context.Context, subscriptionID, walletID, periodEnd string, cause error) error {
	return s.Append(ctx, Event{
		Type:           EventTypePeriodAdvanceFailed,
		SubscriptionID: subscriptionID,
		WalletID:       walletID,
		Message:        "allocation credited but period advance failed",
		Metadata:       encodeMetadata(map[string]string{"periodEnd": periodEnd, "error": errString(cause)}),
	})
}

// LogWalletDeleted records an administrative wallet removal.
func (s *Service) LogWalletDeleted(ctx context.Context, walletID, actorUserID, reason string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeWalletDeleted,
		WalletID:    walletID,
		ActorUserID: actorUserID,
		Message:     reason,
	})
}

func encodeMetadata(m map[string]string) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
