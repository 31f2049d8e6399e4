package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/settlement"
	"github.com/tsylvester/paynless-framework-sub006/internal/wallet"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"quantity overflow", fmt.Errorf("%w: %w", settlement.ErrInvalidRequest, catalog.ErrInvalidQuantity), http.StatusBadRequest},
		{"unknown item", fmt.Errorf("%w: price_x", catalog.ErrItemNotFound), http.StatusNotFound},
		{"insufficient", wallet.ErrInsufficientBalance, http.StatusPaymentRequired},
		{"status write failed", fmt.Errorf("complete settlement abc: %w", errors.New("disk I/O error")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}
