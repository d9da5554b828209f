package lending

import "errors"

// Validation errors.
var (
	ErrInvalidAmount       = errors.New("lending engine: amount must be positive")
	ErrInvalidAddress      = errors.New("lending engine: invalid address")
	ErrTokenNotSupported   = errors.New("lending engine: token not supported")
	ErrAmountOutOfBounds   = errors.New("lending engine: amount outside configured bounds")
	ErrDurationOutOfBounds = errors.New("lending engine: duration outside configured bounds")
	ErrInvalidParameter    = errors.New("lending engine: invalid parameter")
	ErrLoanAlreadyActive   = errors.New("lending engine: loan already active for collateral")
	ErrLoanIsInactive      = errors.New("lending engine: no active loan")
	ErrAmountExceedsDebt   = errors.New("lending engine: amount exceeds remaining debt")
)

// Solvency errors.
var (
	ErrAmountExceedsLimit = errors.New("lending engine: amount exceeds borrow limit")
	ErrLoanIsActive       = errors.New("lending engine: withdrawal would leave active loan undercollateralised")
	ErrNotLiquidatable    = errors.New("lending engine: loan not eligible for liquidation")
	ErrNoCollateral       = errors.New("lending engine: no collateral left to seize")
)

// Resource errors.
var (
	ErrInsufficientLiquidity  = errors.New("lending engine: insufficient liquidity")
	ErrInsufficientCollateral = errors.New("lending engine: insufficient collateral")
	ErrInsufficientBalance    = errors.New("lending engine: insufficient balance")
)

// Engine errors.
var (
	ErrReentrantCall          = errors.New("lending engine: reentrant call")
	ErrRateModelNotConfigured = errors.New("lending engine: interest rate model not configured")
	ErrUnsupportedOperation   = errors.New("lending engine: collaborator does not support operation")
)
