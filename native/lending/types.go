package lending

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Loan is the single position a borrower holds against one collateral token.
// Interest is fixed at origination for the chosen duration.
type Loan struct {
	// Principal is the amount borrowed in borrow-token units.
	Principal *big.Int
	// InterestAccrued is the interest owed over the full duration.
	InterestAccrued *big.Int
	// RepaidAmount accumulates repayments and liquidation credits.
	RepaidAmount *big.Int
	// TotalLiquidated accumulates collateral seized from the position.
	TotalLiquidated *big.Int
	BorrowToken     common.Address
	StartTime       time.Time
	DueDate         time.Time
	Active          bool
}

// TotalObligation returns principal plus interest.
func (l *Loan) TotalObligation() *big.Int {
	if l == nil {
		return new(big.Int)
	}
	return new(big.Int).Add(cloneBig(l.Principal), cloneBig(l.InterestAccrued))
}

// RemainingDebt returns the outstanding obligation.
func (l *Loan) RemainingDebt() *big.Int {
	if l == nil {
		return new(big.Int)
	}
	remaining := l.TotalObligation()
	return remaining.Sub(remaining, cloneBig(l.RepaidAmount))
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = cloneBig(l.Principal)
	clone.InterestAccrued = cloneBig(l.InterestAccrued)
	clone.RepaidAmount = cloneBig(l.RepaidAmount)
	clone.TotalLiquidated = cloneBig(l.TotalLiquidated)
	return &clone
}

func emptyLoan() *Loan {
	return &Loan{
		Principal:       new(big.Int),
		InterestAccrued: new(big.Int),
		RepaidAmount:    new(big.Int),
		TotalLiquidated: new(big.Int),
	}
}

// AssetParams holds the per-token configuration. LTV and penalty apply when
// the token is used as collateral; the amount bounds apply when it is
// borrowed. A zero MaxBorrow leaves borrowing uncapped.
type AssetParams struct {
	LTVBPS                uint64
	LiquidationPenaltyBPS uint64
	MinBorrow             *big.Int
	MaxBorrow             *big.Int
}

// GlobalParams holds protocol wide limits.
type GlobalParams struct {
	MinBorrowDuration time.Duration
	MaxBorrowDuration time.Duration
	// GracePeriod extends the due date before a matured loan becomes
	// liquidatable regardless of health.
	GracePeriod time.Duration
}

// BorrowQuote previews the terms a borrow request would receive.
type BorrowQuote struct {
	UtilizationBPS          uint64
	RateBPS                 uint64
	CollateralValueUSD      *big.Int
	MaxBorrowBeforeInterest *big.Int
	MaxBorrowAfterInterest  *big.Int
}

// LiquidationResult summarises an executed liquidation.
type LiquidationResult struct {
	RepaidAmount *big.Int
	RepaidUSD    *big.Int
	SeizedAmount *big.Int
	HealthFactor *big.Int
	// Matured reports the loan was liquidated because it passed its due date
	// plus grace period.
	Matured     bool
	LoanCleared bool
}

// Market summarises one token's configuration and accounting.
type Market struct {
	Token                common.Address
	Borrowable           bool
	Collateral           bool
	Params               AssetParams
	Liquidity            *big.Int
	TotalDebt            *big.Int
	UtilizationBPS       uint64
	LiquidatedCollateral *big.Int
}
