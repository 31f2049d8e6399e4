package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tsylvester/paynless-framework-sub006/internal/auth"
	"github.com/tsylvester/paynless-framework-sub006/internal/settlement"
	"github.com/tsylvester/paynless-framework-sub006/pkg/logger"
)

// InitiatePayment opens a checkout for the caller.
func (h Handlers) InitiatePayment(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, settlement.InitiationResult{Error: "Unauthorized"})
		return
	}

	var req settlement.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, settlement.InitiationResult{Error: "Invalid request body"})
		return
	}

	res, err := h.Payments.Initiate(c.Request.Context(), userID, req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			_ = c.Error(err)
		}
		c.AbortWithStatusJSON(status, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Webhook verifies and applies a provider callback. Non-retry-worthy
// outcomes answer 200 so the provider stops redelivering.
func (h Handlers) Webhook(c *gin.Context) {
	gatewayID := c.Param("gatewayId")
	log := logger.FromGin(c).With("gateway", gatewayID)

	adapter, err := h.Gateways.Get(gatewayID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, settlement.Confirmation{Outcome: settlement.OutcomeFailed, Error: err.Error()})
		return
	}
	signature := strings.TrimSpace(c.GetHeader(adapter.SignatureHeader()))
	if signature == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, settlement.Confirmation{Outcome: settlement.OutcomeFailed, Error: "missing signature"})
		return
	}
	payload, err := c.GetRawData()
	if err != nil || len(payload) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, settlement.Confirmation{Outcome: settlement.OutcomeFailed, Error: "empty body"})
		return
	}

	res, err := h.Payments.HandleWebhook(c.Request.Context(), gatewayID, payload, signature)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			_ = c.Error(err)
		} else {
			log.Warn("webhook not applied", "status", status, "error", err)
		}
		c.AbortWithStatusJSON(status, res)
		return
	}
	c.JSON(http.StatusOK, res)
}
