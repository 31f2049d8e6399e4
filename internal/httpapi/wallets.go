package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tsylvester/paynless-framework-sub006/internal/auth"
	"github.com/tsylvester/paynless-framework-sub006/internal/wallet"
)

const headerIdempotencyKey = "Idempotency-Key"

// WalletInfo returns the caller's (or the administered organization's)
// wallet, or null when there is none.
func (h Handlers) WalletInfo(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	w, err := h.Wallets.GetWalletForContext(c.Request.Context(), userID, c.Query("organizationId"))
	if errors.Is(err, wallet.ErrWalletNotFound) {
		c.JSON(http.StatusOK, gin.H{"data": nil})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "wallet lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": w})
}

// WalletHistory returns one page of the caller's ledger, newest first.
func (h Handlers) WalletHistory(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	page, ok := parsePage(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid limit or offset parameters"})
		return
	}

	ctx := c.Request.Context()
	w, err := h.Wallets.GetWalletForContext(ctx, userID, c.Query("organizationId"))
	if errors.Is(err, wallet.ErrWalletNotFound) {
		c.JSON(http.StatusOK, wallet.History{Entries: []wallet.LedgerEntry{}})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "wallet lookup failed"})
		return
	}

	hist, err := h.Wallets.GetTransactionHistory(ctx, w.WalletID, wallet.UserPrincipal(userID), page)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, hist)
}

func parsePage(c *gin.Context) (wallet.Page, bool) {
	page := wallet.DefaultPage
	if raw, ok := c.GetQuery("limit"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return wallet.Page{}, false
		}
		page.Limit = n
	}
	if raw, ok := c.GetQuery("offset"); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return wallet.Page{}, false
		}
		page.Offset = n
	}
	return page, true
}

type usageRequest struct {
	Amount string `json:"amount"`
	Notes  string `json:"notes,omitempty"`
}

// RecordUsage debits consumed tokens. Mount behind
// wallet.RequireSufficientBalance.
func (h Handlers) RecordUsage(c *gin.Context) {
	p, ok := wallet.PrincipalFromContext(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	if key == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key header required"})
		return
	}
	var req usageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	walletID := c.Param("walletId")
	recorder, err := auth.UserID(c.Request.Context())
	if err != nil {
		recorder = h.SystemUserID
	}

	// Unauthorized wallets read as missing.
	if _, err := h.Wallets.CheckBalance(c.Request.Context(), walletID, "0", p); err != nil {
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	entry, err := h.Wallets.RecordTransaction(c.Request.Context(), wallet.RecordParams{
		WalletID:         walletID,
		Type:             wallet.TypeDebitUsage,
		Amount:           req.Amount,
		RecordedByUserID: recorder,
		IdempotencyKey:   key,
		Notes:            req.Notes,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			_ = c.Error(err)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}
