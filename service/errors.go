package service

import (
	"errors"
	"net/http"

	"notepool/pool"
	"notepool/storage"
)

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pool.ErrLoanNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrInvalidLoanTerms),
		errors.Is(err, pool.ErrInvalidConfiguration),
		errors.Is(err, pool.ErrDuplicateRepayment):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrAttestationMissing):
		return http.StatusForbidden
	case errors.Is(err, pool.ErrInvalidState),
		errors.Is(err, pool.ErrLoanWrittenOff),
		errors.Is(err, pool.ErrTrancheWipedOut),
		errors.Is(err, storage.ErrStaleSnapshot):
		return http.StatusConflict
	case errors.Is(err, pool.ErrInsufficientReserve),
		errors.Is(err, pool.ErrDebtCeilingExceeded),
		errors.Is(err, pool.ErrFirstLossBreached):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
