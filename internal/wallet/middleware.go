package wallet

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tsylvester/paynless-framework-sub006/internal/auth"
	"github.com/tsylvester/paynless-framework-sub006/internal/rbac"
)

const (
	headerWalletID        = "X-Wallet-Id"
	headerEstimatedTokens = "X-Estimated-Tokens"
)

// BalanceChecker is the minimal wallet service interface needed by middleware.
type BalanceChecker interface {
	CheckBalance(ctx context.Context, walletID, amount string, p Principal) (bool, error)
}

// PrincipalFromContext maps the authenticated identity to a ledger principal.
// Service callers and super admins act as the system principal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	role, _ := auth.Role(ctx)
	if rbac.IsSuperAdmin(role) || rbac.IsService(role) {
		return SystemPrincipal(), true
	}
	uid, err := auth.UserID(ctx)
	if err != nil {
		return Principal{}, false
	}
	return UserPrincipal(uid), true
}

// RequireSufficientBalance blocks the request with 402 when the wallet cannot
// cover the estimated token spend.
//
// - wallet id: route param walletId, else header X-Wallet-Id
// - estimate: header X-Estimated-Tokens (non-negative integer string)
func RequireSufficientBalance(svc BalanceChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFromContext(c.Request.Context())
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		walletID := c.Param("walletId")
		if walletID == "" {
			walletID = strings.TrimSpace(c.GetHeader(headerWalletID))
		}
		if walletID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "wallet id required"})
			return
		}

		estimate := strings.TrimSpace(c.GetHeader(headerEstimatedTokens))
		if estimate == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "estimated tokens required"})
			return
		}

		enough, err := svc.CheckBalance(c.Request.Context(), walletID, estimate, p)
		switch {
		case errors.Is(err, ErrInvalidAmount):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "estimated tokens invalid"})
			return
		case errors.Is(err, ErrInvalidID), errors.Is(err, ErrWalletNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
			return
		case err != nil:
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if !enough {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
			return
		}

		c.Next()
	}
}
