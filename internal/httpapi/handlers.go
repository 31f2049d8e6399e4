package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tsylvester/paynless-framework-sub006/internal/allocation"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
	"github.com/tsylvester/paynless-framework-sub006/internal/settlement"
	"github.com/tsylvester/paynless-framework-sub006/internal/wallet"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	DB        Pinger
	Wallets   Wallets
	Payments  Payments
	Gateways  *gateway.Registry
	Allocator Allocator

	// SystemUserID records entries written on behalf of service callers.
	SystemUserID string
	Clock        func() time.Time
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Wallets interface {
	GetWalletForContext(ctx context.Context, userID, organizationID string) (wallet.Wallet, error)
	GetTransactionHistory(ctx context.Context, walletID string, p wallet.Principal, page wallet.Page) (wallet.History, error)
	RecordTransaction(ctx context.Context, p wallet.RecordParams) (wallet.LedgerEntry, error)
	CheckBalance(ctx context.Context, walletID, amount string, p wallet.Principal) (bool, error)
}

type Payments interface {
	Initiate(ctx context.Context, userID string, req settlement.PurchaseRequest) (settlement.InitiationResult, error)
	HandleWebhook(ctx context.Context, gatewayID string, payload []byte, signature string) (settlement.Confirmation, error)
}

type Allocator interface {
	Run(ctx context.Context, now time.Time) (allocation.Summary, error)
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// Healthz reports liveness and database reachability.
func (h Handlers) Healthz(c *gin.Context) {
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.PingContext(ctx); err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AllowMethods answers 405 for any other method before auth runs.
func AllowMethods(methods ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, m := range methods {
			if c.Request.Method == m {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{"error": "Method Not Allowed"})
	}
}
