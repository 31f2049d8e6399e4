package wallet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tsylvester/paynless-framework-sub006/internal/auth"
)

type fakeChecker struct {
	enough bool
	err    error
	gotP   Principal
}

func (f *fakeChecker) CheckBalance(_ context.Context, _, _ string, p Principal) (bool, error) {
	f.gotP = p
	return f.enough, f.err
}

func serveUsage(checker BalanceChecker, role, estimate string) int {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/wallets/:walletId/usage", func(c *gin.Context) {
		if role != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "user-1", role))
		}
		c.Next()
	}, RequireSufficientBalance(checker), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/wallets/w-1/usage", nil)
	if estimate != "" {
		req.Header.Set("X-Estimated-Tokens", estimate)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireSufficientBalance(t *testing.T) {
	cases := []struct {
		name     string
		checker  *fakeChecker
		role     string
		estimate string
		want     int
	}{
		{"enough", &fakeChecker{enough: true}, "user", "10", http.StatusNoContent},
		{"short", &fakeChecker{enough: false}, "user", "10", http.StatusPaymentRequired},
		{"no identity", &fakeChecker{enough: true}, "", "10", http.StatusUnauthorized},
		{"no estimate", &fakeChecker{enough: true}, "user", "", http.StatusBadRequest},
		{"bad estimate", &fakeChecker{err: ErrInvalidAmount}, "user", "x", http.StatusBadRequest},
		{"missing wallet", &fakeChecker{err: ErrWalletNotFound}, "user", "1", http.StatusNotFound},
		{"store down", &fakeChecker{err: errors.New("boom")}, "user", "1", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := serveUsage(tc.checker, tc.role, tc.estimate); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestPrincipalFromContext(t *testing.T) {
	ctx := auth.WithIdentity(context.Background(), "u-1", "user")
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.System || p.UserID != "u-1" {
		t.Fatalf("unexpected principal %+v", p)
	}

	ctx = auth.WithIdentity(context.Background(), "svc", "service")
	p, ok = PrincipalFromContext(ctx)
	if !ok || !p.System {
		t.Fatalf("service caller should act as system, got %+v", p)
	}

	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("expected no principal without identity")
	}
}
