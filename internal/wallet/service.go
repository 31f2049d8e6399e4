package wallet

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service is the Wallet Ledger Engine.
//
// Money invariants:
// - No balance change without a ledger entry; both are written by Store.ApplyLedgerEntry.
// - The ledger is append-only.
// - One entry per idempotency key; replays return the original entry.
//
// Access invariant:
// - Unauthorized reads look exactly like missing wallets.
type Service struct {
	store Store
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, clock: time.Now}
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

var (
	ErrInvalidOwner        = errors.New("wallet owner must be exactly one of user or organization")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInvalidID           = errors.New("invalid wallet id")
	ErrInvalidAmount       = errors.New("amount must be a non-negative integer string")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidArgument     = errors.New("invalid argument")

	// ErrOwnerConflict is returned by stores when a second wallet is created for an owner.
	ErrOwnerConflict = errors.New("owner already has a wallet")
	// ErrIdempotencyConflict means the key was already used for another wallet.
	ErrIdempotencyConflict = errors.New("idempotency key already used for another wallet")
	// ErrConcurrentUpdate means the wallet row changed between read and write.
	ErrConcurrentUpdate = errors.New("wallet modified concurrently")
)

const applyAttempts = 3

var integerString = regexp.MustCompile(`^[0-9]+$`)

// ParseAmount parses a non-negative integer string.
func ParseAmount(s string) (decimal.Decimal, error) {
	if !integerString.MatchString(s) {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	return d, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// GetOrCreateWallet returns the owner's wallet, creating it with a zero
// balance when none exists. Concurrent first access converges on one wallet.
func (s *Service) GetOrCreateWallet(ctx context.Context, owner Owner) (Wallet, error) {
	if !owner.valid() {
		return Wallet{}, ErrInvalidOwner
	}
	if w, ok, err := s.store.FindWalletByOwner(ctx, owner); err != nil {
		return Wallet{}, err
	} else if ok {
		return w, nil
	}

	now := s.clock().UTC()
	w := Wallet{
		WalletID:       uuid.NewString(),
		UserID:         owner.UserID,
		OrganizationID: owner.OrganizationID,
		Balance:        decimal.Zero,
		Currency:       Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		if !errors.Is(err, ErrOwnerConflict) {
			return Wallet{}, err
		}
		existing, ok, ferr := s.store.FindWalletByOwner(ctx, owner)
		if ferr != nil {
			return Wallet{}, ferr
		}
		if !ok {
			return Wallet{}, fmt.Errorf("wallet vanished after owner conflict: %w", err)
		}
		return existing, nil
	}
	return w, nil
}

// GetWallet returns the wallet when p may see it and ErrWalletNotFound otherwise.
func (s *Service) GetWallet(ctx context.Context, walletID string, p Principal) (Wallet, error) {
	if !validID(walletID) {
		return Wallet{}, ErrWalletNotFound
	}
	return s.authorizedWallet(ctx, walletID, p)
}

// GetWalletForContext resolves the caller's own wallet, or the organization's
// wallet when organizationID is set and the caller administers it. It never
// creates a wallet.
func (s *Service) GetWalletForContext(ctx context.Context, userID, organizationID string) (Wallet, error) {
	if userID == "" {
		return Wallet{}, ErrInvalidArgument
	}
	if organizationID == "" {
		w, ok, err := s.store.FindWalletByOwner(ctx, Owner{UserID: userID})
		if err != nil {
			return Wallet{}, err
		}
		if !ok {
			return Wallet{}, ErrWalletNotFound
		}
		return w, nil
	}

	if !validID(organizationID) {
		return Wallet{}, ErrWalletNotFound
	}
	w, ok, err := s.store.FindWalletByOwner(ctx, Owner{OrganizationID: organizationID})
	if err != nil {
		return Wallet{}, err
	}
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	allowed, err := s.store.IsOrganizationAdmin(ctx, organizationID, userID)
	if err != nil {
		return Wallet{}, err
	}
	if !allowed {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

// GetBalance returns the current balance as an integer string.
func (s *Service) GetBalance(ctx context.Context, walletID string, p Principal) (string, error) {
	if !validID(walletID) {
		return "", ErrInvalidID
	}
	w, err := s.authorizedWallet(ctx, walletID, p)
	if err != nil {
		return "", err
	}
	return w.Balance.String(), nil
}

// CheckBalance reports whether amount <= balance.
func (s *Service) CheckBalance(ctx context.Context, walletID, amount string, p Principal) (bool, error) {
	want, err := ParseAmount(amount)
	if err != nil {
		return false, err
	}
	if !validID(walletID) {
		return false, ErrInvalidID
	}
	w, err := s.authorizedWallet(ctx, walletID, p)
	if err != nil {
		return false, err
	}
	if want.IsZero() {
		return true, nil
	}
	return want.LessThanOrEqual(w.Balance), nil
}

// RecordTransaction is the single mutating entry point. Replaying the same
// idempotency key returns the original entry without touching the balance.
func (s *Service) RecordTransaction(ctx context.Context, p RecordParams) (LedgerEntry, error) {
	if !validID(p.WalletID) {
		return LedgerEntry{}, ErrInvalidID
	}
	if p.Type.Sign() == 0 {
		return LedgerEntry{}, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidArgument, p.Type)
	}
	if p.RecordedByUserID == "" || p.IdempotencyKey == "" {
		return LedgerEntry{}, ErrInvalidArgument
	}
	amount, err := ParseAmount(p.Amount)
	if err != nil {
		return LedgerEntry{}, err
	}
	if amount.IsZero() {
		return LedgerEntry{}, ErrInvalidAmount
	}

	entry := LedgerEntry{
		TransactionID:        uuid.NewString(),
		WalletID:             p.WalletID,
		Type:                 p.Type,
		Amount:               amount,
		RecordedByUserID:     p.RecordedByUserID,
		IdempotencyKey:       p.IdempotencyKey,
		RelatedEntityID:      p.RelatedEntityID,
		RelatedEntityType:    p.RelatedEntityType,
		PaymentTransactionID: p.PaymentTransactionID,
		Notes:                p.Notes,
		Timestamp:            s.clock().UTC(),
	}
	delta := p.Type.SignedDelta(amount)

	for attempt := 1; ; attempt++ {
		out, err := s.store.ApplyLedgerEntry(ctx, entry, delta)
		if errors.Is(err, ErrConcurrentUpdate) && attempt < applyAttempts {
			continue
		}
		if err != nil {
			return LedgerEntry{}, fmt.Errorf("record %s on wallet %s: %w", p.Type, p.WalletID, err)
		}
		return out, nil
	}
}

// GetTransactionHistory returns one page of entries, newest first. Unknown,
// malformed or unauthorized wallets yield an empty page.
func (s *Service) GetTransactionHistory(ctx context.Context, walletID string, p Principal, page Page) (History, error) {
	empty := History{Entries: []LedgerEntry{}}
	if page.Limit <= 0 {
		page.Limit = DefaultPage.Limit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	if !validID(walletID) {
		return empty, nil
	}
	if _, err := s.authorizedWallet(ctx, walletID, p); err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return empty, nil
		}
		return History{}, err
	}

	entries, total, err := s.store.ListLedgerEntries(ctx, walletID, page)
	if err != nil {
		return History{}, err
	}
	return History{Entries: entries, TotalCount: total}, nil
}

// DeleteWallet removes a wallet and its ledger. Administrative teardown only.
func (s *Service) DeleteWallet(ctx context.Context, walletID string) error {
	if !validID(walletID) {
		return ErrInvalidID
	}
	return s.store.DeleteWallet(ctx, walletID)
}

func (s *Service) authorizedWallet(ctx context.Context, walletID string, p Principal) (Wallet, error) {
	w, ok, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return Wallet{}, err
	}
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	if p.System {
		return w, nil
	}
	if p.UserID == "" {
		return Wallet{}, ErrWalletNotFound
	}
	if w.OrganizationID == "" {
		if w.UserID == p.UserID {
			return w, nil
		}
		return Wallet{}, ErrWalletNotFound
	}
	admin, err := s.store.IsOrganizationAdmin(ctx, w.OrganizationID, p.UserID)
	if err != nil {
		return Wallet{}, err
	}
	if !admin {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}
