package lending

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DepositCollateral moves amount of token from user into custody and credits
// the collateral ledger.
func (e *Engine) DepositCollateral(ctx context.Context, user, token common.Address, amount *big.Int) error {
	return e.run(ctx, "deposit_collateral", func(ctx context.Context) error {
		if err := e.guard(); err != nil {
			return err
		}
		if user == (common.Address{}) {
			return ErrInvalidAddress
		}
		if err := validAmount(amount); err != nil {
			return err
		}
		if err := e.isCollateral(token); err != nil {
			return err
		}
		if err := e.tokens.TransferIn(ctx, token, user, amount); err != nil {
			return err
		}
		return e.collateral.Deposit(e.address, user, token, amount)
	})
}

// WithdrawCollateral debits the ledger, verifies any loan secured by token is
// still healthy and then releases the tokens to user.
func (e *Engine) WithdrawCollateral(ctx context.Context, user, token common.Address, amount *big.Int) error {
	return e.run(ctx, "withdraw_collateral", func(ctx context.Context) error {
		if err := e.guard(); err != nil {
			return err
		}
		if user == (common.Address{}) {
			return ErrInvalidAddress
		}
		if err := validAmount(amount); err != nil {
			return err
		}
		balance, err := e.collateral.Balance(user, token)
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientCollateral, balance, amount)
		}
		// The health check below must observe the post-withdrawal balance.
		if err := e.collateral.Withdraw(e.address, user, token, amount); err != nil {
			return err
		}
		loan, err := e.loadLoan(user, token)
		if err != nil {
			return err
		}
		if loan.Active {
			hf, err := e.healthFactor(ctx, user, token, loan)
			if err != nil {
				return err
			}
			if hf.Cmp(HealthyThreshold) < 0 {
				return fmt.Errorf("%w: health factor %s bps", ErrLoanIsActive, hf)
			}
		}
		return e.tokens.TransferOut(ctx, token, user, amount)
	})
}

// Borrow opens a fixed-term loan of amount borrowToken secured by the user's
// collateralToken balance. Interest for the whole duration is fixed now.
func (e *Engine) Borrow(ctx context.Context, user, borrowToken common.Address, amount *big.Int, collateralToken common.Address, duration time.Duration) (*Loan, error) {
	var opened *Loan
	err := e.run(ctx, "borrow", func(ctx context.Context) error {
		if err := e.guard(); err != nil {
			return err
		}
		if user == (common.Address{}) {
			return ErrInvalidAddress
		}
		if err := validAmount(amount); err != nil {
			return err
		}
		if err := e.isBorrowable(borrowToken); err != nil {
			return err
		}
		if err := e.isCollateral(collateralToken); err != nil {
			return err
		}
		borrowParams, err := e.loadAssetParams(borrowToken)
		if err != nil {
			return err
		}
		if amount.Cmp(borrowParams.MinBorrow) < 0 ||
			(borrowParams.MaxBorrow.Sign() > 0 && amount.Cmp(borrowParams.MaxBorrow) > 0) {
			return fmt.Errorf("%w: %s not within [%s, %s]", ErrAmountOutOfBounds, amount, borrowParams.MinBorrow, borrowParams.MaxBorrow)
		}
		global, err := e.loadGlobalParams()
		if err != nil {
			return err
		}
		if duration < global.MinBorrowDuration || duration > global.MaxBorrowDuration {
			return fmt.Errorf("%w: %s not within [%s, %s]", ErrDurationOutOfBounds, duration, global.MinBorrowDuration, global.MaxBorrowDuration)
		}

		loan, err := e.loadLoan(user, collateralToken)
		if err != nil {
			return err
		}
		if loan.Active {
			return ErrLoanAlreadyActive
		}

		available, err := e.loadAmount(liquidityKey(borrowToken))
		if err != nil {
			return err
		}
		if available.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientLiquidity, available, amount)
		}
		totalDebt, err := e.loadAmount(totalDebtKey(borrowToken))
		if err != nil {
			return err
		}
		utilization := UtilizationBPS(totalDebt, available)
		rate, err := e.rateModel.BorrowRateBPS(duration, utilization)
		if err != nil {
			return err
		}

		quote, err := e.borrowLimit(ctx, user, borrowToken, collateralToken, rate)
		if err != nil {
			return err
		}
		if amount.Cmp(quote.MaxBorrowAfterInterest) > 0 {
			return fmt.Errorf("%w: requested %s, limit %s", ErrAmountExceedsLimit, amount, quote.MaxBorrowAfterInterest)
		}

		now := e.nowFn().UTC().Truncate(time.Second)
		interest := applyBps(amount, rate)
		loan = &Loan{
			Principal:       new(big.Int).Set(amount),
			InterestAccrued: interest,
			RepaidAmount:    new(big.Int),
			TotalLiquidated: new(big.Int),
			BorrowToken:     borrowToken,
			StartTime:       now,
			DueDate:         now.Add(duration),
			Active:          true,
		}
		if _, err := e.storeLoan(user, collateralToken, loan); err != nil {
			return err
		}
		if err := e.addAmount(totalDebtKey(borrowToken), loan.TotalObligation()); err != nil {
			return err
		}
		if err := e.subAmount(liquidityKey(borrowToken), amount, ErrInsufficientLiquidity); err != nil {
			return err
		}
		if err := e.tokens.TransferOut(ctx, borrowToken, user, amount); err != nil {
			return err
		}
		e.logger.Info("loan opened",
			slog.String("user", user.Hex()),
			slog.String("borrow_token", borrowToken.Hex()),
			slog.String("collateral_token", collateralToken.Hex()),
			slog.String("principal", amount.String()),
			slog.String("interest", interest.String()),
			slog.Uint64("rate_bps", rate),
			slog.Uint64("utilization_bps", utilization),
			slog.Time("due", loan.DueDate))
		opened = loan.Clone()
		return nil
	})
	return opened, err
}

// Repay pays down the loan secured by collateralToken. Repaying the exact
// remaining debt clears the loan.
func (e *Engine) Repay(ctx context.Context, user, collateralToken common.Address, amount *big.Int) (*Loan, error) {
	var updated *Loan
	err := e.run(ctx, "repay", func(ctx context.Context) error {
		if err := e.guard(); err != nil {
			return err
		}
		if err := validAmount(amount); err != nil {
			return err
		}
		loan, err := e.loadLoan(user, collateralToken)
		if err != nil {
			return err
		}
		if !loan.Active {
			return ErrLoanIsInactive
		}
		remaining := loan.RemainingDebt()
		if amount.Cmp(remaining) > 0 {
			return fmt.Errorf("%w: remaining %s", ErrAmountExceedsDebt, remaining)
		}
		if err := e.tokens.TransferIn(ctx, loan.BorrowToken, user, amount); err != nil {
			return err
		}
		loan.RepaidAmount.Add(loan.RepaidAmount, amount)
		if err := e.subAmount(totalDebtKey(loan.BorrowToken), amount, ErrInsufficientBalance); err != nil {
			return err
		}
		if err := e.addAmount(liquidityKey(loan.BorrowToken), amount); err != nil {
			return err
		}
		cleared, err := e.storeLoan(user, collateralToken, loan)
		if err != nil {
			return err
		}
		if cleared {
			loan = emptyLoan()
		}
		e.logger.Debug("loan repaid",
			slog.String("user", user.Hex()),
			slog.String("collateral_token", collateralToken.Hex()),
			slog.String("amount", amount.String()),
			slog.Bool("cleared", cleared))
		updated = loan
		return nil
	})
	return updated, err
}

// Loan returns the position user holds against collateralToken. A missing
// loan is reported as the zero, inactive loan.
func (e *Engine) Loan(user, collateralToken common.Address) (*Loan, error) {
	var loan *Loan
	err := e.view(func() error {
		var err error
		loan, err = e.loadLoan(user, collateralToken)
		return err
	})
	return loan, err
}

// QuoteBorrow previews the rate and limits a borrow of borrowToken against
// the user's collateralToken balance would receive for duration.
func (e *Engine) QuoteBorrow(ctx context.Context, user, borrowToken, collateralToken common.Address, duration time.Duration) (*BorrowQuote, error) {
	var quote *BorrowQuote
	err := e.run(ctx, "quote_borrow", func(ctx context.Context) error {
		if err := e.isBorrowable(borrowToken); err != nil {
			return err
		}
		if err := e.isCollateral(collateralToken); err != nil {
			return err
		}
		utilization, err := e.utilization(borrowToken)
		if err != nil {
			return err
		}
		rate, err := e.rateModel.BorrowRateBPS(duration, utilization)
		if err != nil {
			return err
		}
		quote, err = e.borrowLimit(ctx, user, borrowToken, collateralToken, rate)
		if err != nil {
			return err
		}
		quote.UtilizationBPS = utilization
		return nil
	})
	return quote, err
}

// borrowLimit converts the user's collateral into borrow-token units and
// applies the LTV and the interest the loan will accrue.
func (e *Engine) borrowLimit(ctx context.Context, user, borrowToken, collateralToken common.Address, rate uint64) (*BorrowQuote, error) {
	params, err := e.loadAssetParams(collateralToken)
	if err != nil {
		return nil, err
	}
	balance, err := e.collateral.Balance(user, collateralToken)
	if err != nil {
		return nil, err
	}
	collateralUSD, err := e.oracle.Value(ctx, collateralToken, balance)
	if err != nil {
		return nil, err
	}
	inBorrowUnits, err := e.oracle.Amount(ctx, borrowToken, collateralUSD)
	if err != nil {
		return nil, err
	}
	before := applyBps(inBorrowUnits, params.LTVBPS)
	after := mulDiv(before, basisPoints, new(big.Int).SetUint64(BasisPoints+rate))
	return &BorrowQuote{
		RateBPS:                 rate,
		CollateralValueUSD:      collateralUSD,
		MaxBorrowBeforeInterest: before,
		MaxBorrowAfterInterest:  after,
	}, nil
}

// CollateralBalance returns the amount of token user has deposited.
func (e *Engine) CollateralBalance(user, token common.Address) (*big.Int, error) {
	var balance *big.Int
	err := e.view(func() error {
		var err error
		balance, err = e.collateral.Balance(user, token)
		return err
	})
	return balance, err
}
