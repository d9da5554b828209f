package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"termlend/core/pricing"
	"termlend/native/bank"
	"termlend/native/collateral"
	nativecommon "termlend/native/common"
	"termlend/native/lending"
)

var (
	errTooManyRequests = errors.New("too many requests")
	errInternal        = errors.New("internal error")
)

// badRequest marks request decoding and validation failures.
type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

// statusFor maps engine and collaborator errors onto HTTP status codes.
func statusFor(err error) int {
	var invalid badRequest
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, nativecommon.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, pricing.ErrFeedNotConfigured),
		errors.Is(err, pricing.ErrStaleData),
		errors.Is(err, pricing.ErrInvalidPrice),
		errors.Is(err, lending.ErrRateModelNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrInvalidAddress),
		errors.Is(err, lending.ErrTokenNotSupported),
		errors.Is(err, lending.ErrAmountOutOfBounds),
		errors.Is(err, lending.ErrDurationOutOfBounds),
		errors.Is(err, lending.ErrInvalidParameter),
		errors.Is(err, lending.ErrAmountExceedsDebt),
		errors.Is(err, pricing.ErrInvalidPair),
		errors.Is(err, pricing.ErrInvalidAmount),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrUnknownToken),
		errors.Is(err, nativecommon.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, nativecommon.ErrNotRegistered),
		errors.Is(err, pricing.ErrFeedNotSet):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrLoanAlreadyActive),
		errors.Is(err, lending.ErrLoanIsInactive),
		errors.Is(err, lending.ErrLoanIsActive),
		errors.Is(err, lending.ErrNotLiquidatable),
		errors.Is(err, lending.ErrNoCollateral),
		errors.Is(err, nativecommon.ErrAlreadyRegistered),
		errors.Is(err, pricing.ErrFeedAlreadySet),
		errors.Is(err, bank.ErrTokenExists):
		return http.StatusConflict
	case errors.Is(err, lending.ErrAmountExceedsLimit),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrInsufficientBalance),
		errors.Is(err, collateral.ErrInsufficientCollateral),
		errors.Is(err, bank.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lending.ErrUnsupportedOperation):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable &&
		status != http.StatusNotImplemented && status != http.StatusGatewayTimeout {
		s.logger.Error("request failed",
			slog.String("request_id", RequestIDFrom(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		err = errInternal
	}
	writeJSONError(w, status, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
