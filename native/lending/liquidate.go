package lending

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "termlend/native/common"
)

// Liquidate repays part or all of an unhealthy or matured loan by seizing
// the borrower's collateral at a penalty. Requires the liquidator role.
func (e *Engine) Liquidate(ctx context.Context, user, collateralToken common.Address) (*LiquidationResult, error) {
	if err := nativecommon.Require(ctx, nativecommon.RoleLiquidator); err != nil {
		return nil, err
	}
	var result *LiquidationResult
	err := e.run(ctx, "liquidate", func(ctx context.Context) error {
		if err := e.guard(); err != nil {
			return err
		}
		loan, err := e.loadLoan(user, collateralToken)
		if err != nil {
			return err
		}
		remaining := loan.RemainingDebt()
		if !loan.Active || remaining.Sign() == 0 {
			return ErrLoanIsInactive
		}

		hf, err := e.healthFactor(ctx, user, collateralToken, loan)
		if err != nil {
			return err
		}
		global, err := e.loadGlobalParams()
		if err != nil {
			return err
		}
		matured := e.nowFn().After(loan.DueDate.Add(global.GracePeriod))
		if hf.Cmp(HealthyThreshold) >= 0 && !matured {
			return ErrNotLiquidatable
		}

		balance, err := e.collateral.Balance(user, collateralToken)
		if err != nil {
			return err
		}
		if balance.Sign() == 0 {
			return ErrNoCollateral
		}
		params, err := e.loadAssetParams(collateralToken)
		if err != nil {
			return err
		}
		penaltyFactor := new(big.Int).SetUint64(BasisPoints + params.LiquidationPenaltyBPS)

		debtUSD, err := e.oracle.Value(ctx, loan.BorrowToken, remaining)
		if err != nil {
			return err
		}
		// Size the repayment so that, after the penalty, the seized value stays
		// within what the LTV and penalty support; never repay more than owed.
		repayUSD := new(big.Int).Set(debtUSD)
		denominator := mulDiv(new(big.Int).SetUint64(params.LTVBPS), penaltyFactor, basisPoints)
		if denominator.Sign() > 0 {
			repayUSD = minBig(debtUSD, mulDiv(debtUSD, basisPoints, denominator))
		}
		repayAmount, err := e.oracle.Amount(ctx, loan.BorrowToken, repayUSD)
		if err != nil {
			return err
		}
		repayAmount = minBig(repayAmount, remaining)

		seizeUSD := mulDiv(repayUSD, penaltyFactor, basisPoints)
		seizeAmount, err := e.oracle.Amount(ctx, collateralToken, seizeUSD)
		if err != nil {
			return err
		}
		if seizeAmount.Cmp(balance) > 0 {
			// Collateral shortfall: seize everything and credit only the value
			// it covers net of the penalty.
			seizeAmount = new(big.Int).Set(balance)
			clampedUSD, err := e.oracle.Value(ctx, collateralToken, seizeAmount)
			if err != nil {
				return err
			}
			repayUSD = mulDiv(clampedUSD, basisPoints, penaltyFactor)
			if repayAmount, err = e.oracle.Amount(ctx, loan.BorrowToken, repayUSD); err != nil {
				return err
			}
			repayAmount = minBig(repayAmount, remaining)
		}

		if err := e.subAmount(totalDebtKey(loan.BorrowToken), repayAmount, ErrInsufficientBalance); err != nil {
			return err
		}
		loan.RepaidAmount.Add(loan.RepaidAmount, repayAmount)
		loan.TotalLiquidated.Add(loan.TotalLiquidated, seizeAmount)
		cleared, err := e.storeLoan(user, collateralToken, loan)
		if err != nil {
			return err
		}
		if seizeAmount.Sign() > 0 {
			if err := e.addAmount(liquidatedKey(collateralToken), seizeAmount); err != nil {
				return err
			}
			if err := e.collateral.Withdraw(e.address, user, collateralToken, seizeAmount); err != nil {
				return fmt.Errorf("lending engine: seize collateral: %w", err)
			}
		}

		result = &LiquidationResult{
			RepaidAmount: repayAmount,
			RepaidUSD:    repayUSD,
			SeizedAmount: seizeAmount,
			HealthFactor: hf,
			Matured:      matured,
			LoanCleared:  cleared,
		}
		e.logger.Info("loan liquidated",
			slog.String("user", user.Hex()),
			slog.String("collateral_token", collateralToken.Hex()),
			slog.String("repaid", repayAmount.String()),
			slog.String("seized", seizeAmount.String()),
			slog.String("health_factor", hf.String()),
			slog.Bool("matured", matured),
			slog.Bool("cleared", cleared))
		e.metrics.RecordLiquidation(collateralToken.Hex())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HealthFactor returns the LTV-adjusted collateral to debt ratio, in bps, of
// the loan user holds against collateralToken. Loans without debt report
// MaxHealthFactor.
func (e *Engine) HealthFactor(ctx context.Context, user, collateralToken common.Address) (*big.Int, error) {
	var hf *big.Int
	err := e.run(ctx, "health_factor", func(ctx context.Context) error {
		loan, err := e.loadLoan(user, collateralToken)
		if err != nil {
			return err
		}
		hf, err = e.healthFactor(ctx, user, collateralToken, loan)
		return err
	})
	return hf, err
}

func (e *Engine) healthFactor(ctx context.Context, user, collateralToken common.Address, loan *Loan) (*big.Int, error) {
	debt := loan.RemainingDebt()
	if debt.Sign() == 0 {
		return new(big.Int).Set(MaxHealthFactor), nil
	}
	balance, err := e.collateral.Balance(user, collateralToken)
	if err != nil {
		return nil, err
	}
	collateralUSD, err := e.oracle.Value(ctx, collateralToken, balance)
	if err != nil {
		return nil, err
	}
	inBorrowUnits, err := e.oracle.Amount(ctx, loan.BorrowToken, collateralUSD)
	if err != nil {
		return nil, err
	}
	params, err := e.loadAssetParams(collateralToken)
	if err != nil {
		return nil, err
	}
	riskAdjusted := applyBps(inBorrowUnits, params.LTVBPS)
	return mulDiv(riskAdjusted, basisPoints, debt), nil
}
