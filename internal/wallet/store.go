package wallet

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store is the Ledger Store contract.
//
// ApplyLedgerEntry is the only balance mutation. Implementations must run it
// as one atomic unit: idempotency lookup, balance read under lock, negative
// check, entry insert and balance update either all happen or none do.
type Store interface {
	FindWalletByOwner(ctx context.Context, owner Owner) (Wallet, bool, error)
	GetWallet(ctx context.Context, walletID string) (Wallet, bool, error)

	// CreateWallet returns ErrOwnerConflict when the owner already has a wallet.
	CreateWallet(ctx context.Context, w Wallet) error

	// IsOrganizationAdmin reports whether userID is an active admin of orgID.
	IsOrganizationAdmin(ctx context.Context, orgID, userID string) (bool, error)

	// ApplyLedgerEntry appends e after applying delta to the wallet balance.
	// When e.IdempotencyKey already exists the stored entry is returned
	// unchanged. It returns ErrInsufficientBalance when the balance would go
	// negative and ErrWalletNotFound when the wallet does not exist.
	ApplyLedgerEntry(ctx context.Context, e LedgerEntry, delta decimal.Decimal) (LedgerEntry, error)

	// ListLedgerEntries returns entries newest first and the total count.
	ListLedgerEntries(ctx context.Context, walletID string, page Page) ([]LedgerEntry, int, error)

	// DeleteWallet removes a wallet and its entries. Administrative teardown only.
	DeleteWallet(ctx context.Context, walletID string) error
}
