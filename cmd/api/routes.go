package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tsylvester/paynless-framework-sub006/internal/auth"
	"github.com/tsylvester/paynless-framework-sub006/internal/httpapi"
	"github.com/tsylvester/paynless-framework-sub006/internal/rbac"
	"github.com/tsylvester/paynless-framework-sub006/internal/wallet"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authManager *auth.Manager) {
	authMW := auth.RequireAccessToken(authManager)

	// public
	r.GET("/healthz", h.Healthz)

	// Provider webhooks are unauthenticated; adapters verify the signature.
	r.POST("/webhooks/:gatewayId", h.Webhook)

	// bearer
	r.POST("/initiate-payment", authMW, h.InitiatePayment)
	r.GET("/wallet-info", authMW, h.WalletInfo)
	r.GET("/wallet-history", authMW, h.WalletHistory)
	r.POST("/wallets/:walletId/usage", authMW, wallet.RequireSufficientBalance(h.Wallets), h.RecordUsage)

	// scheduler / operators
	r.Any("/allocate-periodic-tokens",
		httpapi.AllowMethods(http.MethodPost),
		authMW,
		rbac.RequireAnyRole(rbac.RoleService, rbac.RoleSuperAdmin),
		h.AllocatePeriodicTokens,
	)
}
