package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsylvester/paynless-framework-sub006/internal/allocation"
	"github.com/tsylvester/paynless-framework-sub006/internal/auth"
	"github.com/tsylvester/paynless-framework-sub006/internal/config"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
	"github.com/tsylvester/paynless-framework-sub006/internal/httpapi"
	"github.com/tsylvester/paynless-framework-sub006/internal/rbac"
	"github.com/tsylvester/paynless-framework-sub006/internal/testfixture"
	"github.com/tsylvester/paynless-framework-sub006/internal/wallet"
	"github.com/tsylvester/paynless-framework-sub006/pkg/utils"
)

type okAllocator struct{}

func (okAllocator) Run(context.Context, time.Time) (allocation.Summary, error) {
	return allocation.Summary{}, nil
}

type server struct {
	engine  *gin.Engine
	auth    *auth.Manager
	tenant  testfixture.Tenant
	wallets *wallet.Service
}

func newServer(t *testing.T) server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	db := testfixture.OpenDB(t)
	wallets := wallet.NewService(wallet.NewSQLStore(db, utils.DialectSQLite))
	reg, err := gateway.NewRegistry()
	require.NoError(t, err)

	r := gin.New()
	registerRoutes(r, httpapi.Handlers{
		DB:        db,
		Wallets:   wallets,
		Gateways:  reg,
		Allocator: okAllocator{},
	}, m)
	return server{engine: r, auth: m, tenant: testfixture.NewUserWallet(t, db, "50"), wallets: wallets}
}

func (s server) token(t *testing.T, userID, role string) string {
	t.Helper()
	pair, err := s.auth.IssuePair(time.Now(), userID, role)
	require.NoError(t, err)
	return pair.AccessToken
}

func (s server) do(method, path, token, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestRoutes_Healthz(t *testing.T) {
	s := newServer(t)
	w := s.do(http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRoutes_AllocationAccess(t *testing.T) {
	s := newServer(t)
	path := "/allocate-periodic-tokens"

	assert.Equal(t, http.StatusMethodNotAllowed, s.do(http.MethodGet, path, "", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, path, "", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, path, s.token(t, "u1", rbac.RoleUser), "", nil).Code)

	for _, role := range []string{rbac.RoleService, rbac.RoleSuperAdmin} {
		w := s.do(http.MethodPost, path, s.token(t, "cron", role), "", nil)
		assert.Equal(t, http.StatusOK, w.Code, role)
		assert.Contains(t, w.Body.String(), "No users due for allocation.")
	}
}

func TestRoutes_WalletInfo(t *testing.T) {
	s := newServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/wallet-info", "", "", nil).Code)

	w := s.do(http.MethodGet, "/wallet-info", s.token(t, s.tenant.UserID, rbac.RoleUser), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Data wallet.Wallet `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, s.tenant.WalletID, out.Data.WalletID)
	assert.Equal(t, "50", out.Data.Balance.String())
}

func TestRoutes_Usage(t *testing.T) {
	s := newServer(t)
	tok := s.token(t, s.tenant.UserID, rbac.RoleUser)
	path := "/wallets/" + s.tenant.WalletID + "/usage"

	w := s.do(http.MethodPost, path, tok, `{"amount":"80"}`, map[string]string{
		"X-Estimated-Tokens": "80",
		"Idempotency-Key":    "use-1",
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = s.do(http.MethodPost, path, tok, `{"amount":"30"}`, map[string]string{
		"X-Estimated-Tokens": "30",
		"Idempotency-Key":    "use-2",
		"Content-Type":       "application/json",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	bal, err := s.wallets.GetBalance(context.Background(), s.tenant.WalletID, wallet.SystemPrincipal())
	require.NoError(t, err)
	assert.Equal(t, "20", bal)

	other := s.token(t, "someone-else", rbac.RoleUser)
	w = s.do(http.MethodPost, path, other, `{"amount":"1"}`, map[string]string{
		"X-Estimated-Tokens": "1",
		"Idempotency-Key":    "use-3",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
