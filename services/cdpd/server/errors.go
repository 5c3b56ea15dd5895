package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"microstable/native/cdp"
	"microstable/state/bank"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps engine errors onto HTTP status codes and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, cdp.ErrInvalidAmount), errors.Is(err, cdp.ErrInvalidConfiguration),
		errors.Is(err, cdp.ErrArithmeticOverflow), errors.Is(err, cdp.ErrArithmeticUnderflow),
		errors.Is(err, cdp.ErrInvalidPrice):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, cdp.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_address"
	case errors.Is(err, cdp.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, cdp.ErrPositionNotFound):
		return http.StatusNotFound, "position_not_found"
	case errors.Is(err, cdp.ErrCollateralRatioTooLow):
		return http.StatusUnprocessableEntity, "collateral_ratio_too_low"
	case errors.Is(err, bank.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, cdp.ErrPositionHealthy):
		return http.StatusConflict, "position_healthy"
	case errors.Is(err, cdp.ErrPositionNotEmpty):
		return http.StatusConflict, "position_not_empty"
	case errors.Is(err, cdp.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, cdp.ErrAlreadyInitialized):
		return http.StatusConflict, "already_initialized"
	case errors.Is(err, cdp.ErrModulePaused):
		return http.StatusServiceUnavailable, "paused"
	case errors.Is(err, cdp.ErrNotInitialized):
		return http.StatusServiceUnavailable, "not_initialized"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "cdpd: request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		message = http.StatusText(status)
	}
	writeJSONError(w, status, code, message)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
