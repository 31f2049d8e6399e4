package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsylvester/paynless-framework-sub006/internal/allocation"
	"github.com/tsylvester/paynless-framework-sub006/internal/auth"
	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
	"github.com/tsylvester/paynless-framework-sub006/internal/settlement"
	"github.com/tsylvester/paynless-framework-sub006/internal/wallet"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

type fakeWallets struct {
	wallet    wallet.Wallet
	lookupErr error
	history   wallet.History
	gotPage   wallet.Page
	recordErr error
	recorded  []wallet.RecordParams
}

func (f *fakeWallets) GetWalletForContext(context.Context, string, string) (wallet.Wallet, error) {
	return f.wallet, f.lookupErr
}

func (f *fakeWallets) GetTransactionHistory(_ context.Context, _ string, _ wallet.Principal, page wallet.Page) (wallet.History, error) {
	f.gotPage = page
	return f.history, nil
}

func (f *fakeWallets) RecordTransaction(_ context.Context, p wallet.RecordParams) (wallet.LedgerEntry, error) {
	f.recorded = append(f.recorded, p)
	if f.recordErr != nil {
		return wallet.LedgerEntry{}, f.recordErr
	}
	return wallet.LedgerEntry{TransactionID: uuid.NewString(), WalletID: p.WalletID, Type: p.Type}, nil
}

func (f *fakeWallets) CheckBalance(context.Context, string, string, wallet.Principal) (bool, error) {
	return true, f.lookupErr
}

type fakePayments struct {
	initRes    settlement.InitiationResult
	initErr    error
	hookRes    settlement.Confirmation
	hookErr    error
	gotPayload string
	gotSig     string
}

func (f *fakePayments) Initiate(context.Context, string, settlement.PurchaseRequest) (settlement.InitiationResult, error) {
	return f.initRes, f.initErr
}

func (f *fakePayments) HandleWebhook(_ context.Context, _ string, payload []byte, sig string) (settlement.Confirmation, error) {
	f.gotPayload, f.gotSig = string(payload), sig
	return f.hookRes, f.hookErr
}

type fakeAllocator struct {
	sum allocation.Summary
	err error
}

func (f fakeAllocator) Run(context.Context, time.Time) (allocation.Summary, error) {
	return f.sum, f.err
}

type stubAdapter struct{}

func (stubAdapter) ID() string              { return "stub" }
func (stubAdapter) SignatureHeader() string { return "X-Stub-Signature" }
func (stubAdapter) InitiatePayment(context.Context, gateway.InitiationContext) (gateway.InitiationResult, error) {
	return gateway.InitiationResult{}, nil
}
func (stubAdapter) ParseWebhook(context.Context, []byte, string) (gateway.Event, error) {
	return gateway.Event{}, nil
}

func withIdentity(userID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role))
		}
		c.Next()
	}
}

func newRouter(t *testing.T, h Handlers, userID string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg, err := gateway.NewRegistry(stubAdapter{})
	require.NoError(t, err)
	h.Gateways = reg

	r := gin.New()
	r.GET("/healthz", h.Healthz)
	r.POST("/webhooks/:gatewayId", h.Webhook)

	authed := r.Group("/", withIdentity(userID, "user"))
	authed.POST("/initiate-payment", h.InitiatePayment)
	authed.GET("/wallet-info", h.WalletInfo)
	authed.GET("/wallet-history", h.WalletHistory)
	authed.POST("/wallets/:walletId/usage", h.RecordUsage)
	r.Any("/allocate-periodic-tokens", AllowMethods(http.MethodPost), h.AllocatePeriodicTokens)
	return r
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	ok := newRouter(t, Handlers{DB: fakePinger{}}, "")
	assert.Equal(t, http.StatusOK, do(ok, http.MethodGet, "/healthz", "", nil).Code)

	down := newRouter(t, Handlers{DB: fakePinger{err: errors.New("conn refused")}}, "")
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/healthz", "", nil).Code)
}

func TestInitiatePayment(t *testing.T) {
	body := `{"itemId":"price_basic","quantity":1,"currency":"usd","paymentGatewayId":"stub"}`
	cases := []struct {
		name   string
		user   string
		body   string
		err    error
		status int
	}{
		{"ok", "u1", body, nil, http.StatusOK},
		{"unauthenticated", "", body, nil, http.StatusUnauthorized},
		{"bad json", "u1", `{`, nil, http.StatusBadRequest},
		{"currency mismatch", "u1", body, settlement.ErrCurrencyMismatch, http.StatusBadRequest},
		{"unsupported gateway", "u1", body, gateway.ErrGatewayNotSupported, http.StatusBadRequest},
		{"unknown item", "u1", body, fmt.Errorf("%w: x", catalog.ErrItemNotFound), http.StatusNotFound},
		{"no wallet", "u1", body, wallet.ErrWalletNotFound, http.StatusNotFound},
		{"gateway down", "u1", body, fmt.Errorf("%w: %w", settlement.ErrGatewayFailure, errors.New("timeout")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pay := &fakePayments{initErr: tc.err}
			if tc.err == nil {
				pay.initRes = settlement.InitiationResult{Success: true, TransactionID: "tx1", RedirectURL: "https://pay.test"}
			} else {
				pay.initRes = settlement.InitiationResult{Error: tc.err.Error()}
			}
			w := do(newRouter(t, Handlers{Payments: pay}, tc.user), http.MethodPost, "/initiate-payment", tc.body, nil)
			assert.Equal(t, tc.status, w.Code)
			out := decode(t, w)
			assert.Equal(t, tc.status == http.StatusOK, out["success"])
			if tc.status == http.StatusOK {
				assert.Equal(t, "https://pay.test", out["redirectUrl"])
			}
		})
	}
}

func TestWebhook(t *testing.T) {
	sig := map[string]string{"X-Stub-Signature": "sig"}
	tokens := decimal.NewFromInt(1000)
	cases := []struct {
		name    string
		path    string
		headers map[string]string
		res     settlement.Confirmation
		err     error
		status  int
	}{
		{"credited", "/webhooks/stub", sig, settlement.Confirmation{Success: true, TransactionID: "tx1", TokensAwarded: &tokens, Outcome: settlement.OutcomeCredited}, nil, http.StatusOK},
		{"award failed stays 200", "/webhooks/stub", sig, settlement.Confirmation{TransactionID: "tx1", Outcome: settlement.OutcomeTokenAwardFailed}, nil, http.StatusOK},
		{"unknown gateway", "/webhooks/paypal", sig, settlement.Confirmation{}, nil, http.StatusBadRequest},
		{"missing signature", "/webhooks/stub", nil, settlement.Confirmation{}, nil, http.StatusBadRequest},
		{"bad signature", "/webhooks/stub", sig, settlement.Confirmation{Outcome: settlement.OutcomeFailed}, gateway.ErrSignatureVerification, http.StatusBadRequest},
		{"no correlation", "/webhooks/stub", sig, settlement.Confirmation{Outcome: settlement.OutcomeFailed}, settlement.ErrCorrelationMissing, http.StatusBadRequest},
		{"unknown record", "/webhooks/stub", sig, settlement.Confirmation{Outcome: settlement.OutcomeFailed}, settlement.ErrSettlementNotFound, http.StatusNotFound},
		{"store down", "/webhooks/stub", sig, settlement.Confirmation{Outcome: settlement.OutcomeFailed}, errors.New("db gone"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pay := &fakePayments{hookRes: tc.res, hookErr: tc.err}
			w := do(newRouter(t, Handlers{Payments: pay}, ""), http.MethodPost, tc.path, `{"id":"evt_1"}`, tc.headers)
			assert.Equal(t, tc.status, w.Code)
		})
	}

	pay := &fakePayments{hookRes: settlement.Confirmation{Success: true, TokensAwarded: &tokens, Outcome: settlement.OutcomeCredited}}
	w := do(newRouter(t, Handlers{Payments: pay}, ""), http.MethodPost, "/webhooks/stub", `{"id":"evt_1"}`, sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"id":"evt_1"}`, pay.gotPayload)
	assert.Equal(t, "sig", pay.gotSig)
	out := decode(t, w)
	assert.Equal(t, "credited", out["outcome"])
	assert.Equal(t, "1000", out["tokensAwarded"])
}

func TestWalletInfo(t *testing.T) {
	wid := uuid.NewString()
	found := &fakeWallets{wallet: wallet.Wallet{WalletID: wid, Balance: decimal.NewFromInt(42), Currency: wallet.Currency}}
	w := do(newRouter(t, Handlers{Wallets: found}, "u1"), http.MethodGet, "/wallet-info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, wid, data["walletId"])
	assert.Equal(t, "42", data["balance"])

	missing := &fakeWallets{lookupErr: wallet.ErrWalletNotFound}
	w = do(newRouter(t, Handlers{Wallets: missing}, "u1"), http.MethodGet, "/wallet-info?organizationId="+uuid.NewString(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":null}`, w.Body.String())

	w = do(newRouter(t, Handlers{Wallets: found}, ""), http.MethodGet, "/wallet-info", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWalletHistory(t *testing.T) {
	for _, q := range []string{"limit=abc", "limit=-1", "offset=-5", "offset=1.5"} {
		w := do(newRouter(t, Handlers{Wallets: &fakeWallets{}}, "u1"), http.MethodGet, "/wallet-history?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.JSONEq(t, `{"error":"Invalid limit or offset parameters"}`, w.Body.String())
	}

	missing := &fakeWallets{lookupErr: wallet.ErrWalletNotFound}
	w := do(newRouter(t, Handlers{Wallets: missing}, "u1"), http.MethodGet, "/wallet-history", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[],"totalCount":0}`, w.Body.String())

	ws := &fakeWallets{
		wallet:  wallet.Wallet{WalletID: uuid.NewString()},
		history: wallet.History{Entries: []wallet.LedgerEntry{{TransactionID: "e1"}}, TotalCount: 7},
	}
	w = do(newRouter(t, Handlers{Wallets: ws}, "u1"), http.MethodGet, "/wallet-history?limit=5&offset=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, wallet.Page{Limit: 5, Offset: 2}, ws.gotPage)
	out := decode(t, w)
	assert.Len(t, out["data"], 1)
	assert.EqualValues(t, 7, out["totalCount"])

	do(newRouter(t, Handlers{Wallets: ws}, "u1"), http.MethodGet, "/wallet-history", "", nil)
	assert.Equal(t, wallet.DefaultPage, ws.gotPage)
}

func TestRecordUsage(t *testing.T) {
	wid := uuid.NewString()
	path := "/wallets/" + wid + "/usage"
	key := map[string]string{"Idempotency-Key": "req-1"}

	ws := &fakeWallets{}
	w := do(newRouter(t, Handlers{Wallets: ws}, "u1"), http.MethodPost, path, `{"amount":"10"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(newRouter(t, Handlers{Wallets: ws}, "u1"), http.MethodPost, path, `{"amount":"10","notes":"chat"}`, key)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ws.recorded, 1)
	assert.Equal(t, wallet.TypeDebitUsage, ws.recorded[0].Type)
	assert.Equal(t, "u1", ws.recorded[0].RecordedByUserID)
	assert.Equal(t, "req-1", ws.recorded[0].IdempotencyKey)
	assert.Equal(t, wid, ws.recorded[0].WalletID)

	short := &fakeWallets{recordErr: fmt.Errorf("record: %w", wallet.ErrInsufficientBalance)}
	w = do(newRouter(t, Handlers{Wallets: short}, "u1"), http.MethodPost, path, `{"amount":"10"}`, key)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	hidden := &fakeWallets{lookupErr: wallet.ErrWalletNotFound}
	w = do(newRouter(t, Handlers{Wallets: hidden}, "u1"), http.MethodPost, path, `{"amount":"10"}`, key)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, hidden.recorded)
}

func TestAllocatePeriodicTokens(t *testing.T) {
	sum := allocation.Summary{Processed: 3, Awarded: 2, Failed: 1}
	w := do(newRouter(t, Handlers{Allocator: fakeAllocator{sum: sum}}, ""), http.MethodPost, "/allocate-periodic-tokens", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"message": "Periodic token allocation complete. Users processed: 3. Tokens awarded to: 2. Failed attempts: 1.",
		"summary": {"processed": 3, "awarded": 2, "failed": 1}
	}`, w.Body.String())

	w = do(newRouter(t, Handlers{Allocator: fakeAllocator{err: allocation.ErrRunInProgress}}, ""), http.MethodPost, "/allocate-periodic-tokens", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(newRouter(t, Handlers{Allocator: fakeAllocator{err: catalog.ErrFreePlanMissing}}, ""), http.MethodPost, "/allocate-periodic-tokens", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = do(newRouter(t, Handlers{Allocator: fakeAllocator{}}, ""), http.MethodGet, "/allocate-periodic-tokens", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
