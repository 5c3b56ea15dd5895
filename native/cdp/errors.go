package cdp

import (
	"errors"

	nativecommon "microstable/native/common"
	"microstable/native/params"
)

// Parameter and pause failures surface unchanged so callers can match them
// with errors.Is regardless of which package raised them.
var (
	ErrInvalidConfiguration = params.ErrInvalidConfiguration
	ErrAlreadyInitialized   = params.ErrAlreadyInitialized
	ErrNotInitialized       = params.ErrNotInitialized
	ErrUnauthorized         = params.ErrUnauthorized
	ErrModulePaused         = nativecommon.ErrModulePaused
)

var (
	ErrInvalidAmount          = errors.New("cdp: invalid amount")
	ErrInvalidAddress         = errors.New("cdp: address required")
	ErrInvalidPrice           = errors.New("cdp: price numerator and denominator must be positive")
	ErrCollateralRatioTooLow  = errors.New("cdp: collateral ratio below minimum")
	ErrPositionNotFound       = errors.New("cdp: position not found")
	ErrPositionNotEmpty       = errors.New("cdp: position still holds collateral or debt")
	ErrPositionHealthy        = errors.New("cdp: position is not liquidatable")
	ErrArithmeticOverflow     = errors.New("cdp: arithmetic overflow")
	ErrArithmeticUnderflow    = errors.New("cdp: arithmetic underflow")
	ErrConcurrentModification = errors.New("cdp: position modified concurrently")
	ErrTransfer               = errors.New("cdp: asset transfer failed")
	ErrMint                   = errors.New("cdp: synthetic mint failed")
	ErrBurn                   = errors.New("cdp: synthetic burn failed")
)

// reason maps an error onto a short, stable label for metrics.
func reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrCollateralRatioTooLow):
		return "ratio_too_low"
	case errors.Is(err, ErrPositionNotFound):
		return "not_found"
	case errors.Is(err, ErrPositionNotEmpty):
		return "not_empty"
	case errors.Is(err, ErrPositionHealthy):
		return "healthy"
	case errors.Is(err, ErrArithmeticOverflow), errors.Is(err, ErrArithmeticUnderflow):
		return "arithmetic"
	case errors.Is(err, ErrModulePaused):
		return "paused"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	case errors.Is(err, ErrMint):
		return "mint"
	case errors.Is(err, ErrBurn):
		return "burn"
	default:
		return "internal"
	}
}
