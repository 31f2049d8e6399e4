package httpapi

import (
	"errors"
	"net/http"

	"github.com/tsylvester/paynless-framework-sub006/internal/allocation"
	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
	"github.com/tsylvester/paynless-framework-sub006/internal/settlement"
	"github.com/tsylvester/paynless-framework-sub006/internal/wallet"
)

// statusFor maps domain errors to HTTP status codes. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, settlement.ErrInvalidRequest),
		errors.Is(err, settlement.ErrCurrencyMismatch),
		errors.Is(err, settlement.ErrCorrelationMissing),
		errors.Is(err, gateway.ErrGatewayNotSupported),
		errors.Is(err, gateway.ErrUnsupportedPlan),
		errors.Is(err, gateway.ErrSignatureVerification),
		errors.Is(err, gateway.ErrMalformedEvent),
		errors.Is(err, wallet.ErrInvalidArgument),
		errors.Is(err, wallet.ErrInvalidAmount):
		return http.StatusBadRequest

	case errors.Is(err, catalog.ErrItemNotFound),
		errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, wallet.ErrInvalidID),
		errors.Is(err, settlement.ErrSettlementNotFound),
		errors.Is(err, settlement.ErrRenewalUnresolved):
		return http.StatusNotFound

	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusPaymentRequired

	case errors.Is(err, wallet.ErrIdempotencyConflict),
		errors.Is(err, allocation.ErrRunInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
