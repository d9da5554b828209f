package lending

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "termlend/native/common"
)

// AddBorrowToken lists token as borrowable. Requires the token-manager role.
func (e *Engine) AddBorrowToken(ctx context.Context, token common.Address) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleTokenManager); err != nil {
		return err
	}
	return e.run(ctx, "add_borrow_token", func(context.Context) error {
		if _, err := e.tokens.Decimals(token); err != nil {
			return fmt.Errorf("%w: %v", ErrTokenNotSupported, err)
		}
		return e.borrowable.Add(token)
	})
}

// RemoveBorrowToken delists token. Loans already denominated in it can still
// be repaid and liquidated. Requires the token-manager role.
func (e *Engine) RemoveBorrowToken(ctx context.Context, token common.Address) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleTokenManager); err != nil {
		return err
	}
	return e.run(ctx, "remove_borrow_token", func(context.Context) error {
		return e.borrowable.Remove(token)
	})
}

// AddCollateralToken accepts token as collateral. Requires the token-manager
// role.
func (e *Engine) AddCollateralToken(ctx context.Context, token common.Address) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleTokenManager); err != nil {
		return err
	}
	return e.run(ctx, "add_collateral_token", func(ctx context.Context) error {
		if _, err := e.tokens.Decimals(token); err != nil {
			return fmt.Errorf("%w: %v", ErrTokenNotSupported, err)
		}
		return e.collateral.AddCollateralToken(ctx, token)
	})
}

// RemoveCollateralToken stops new deposits of token. Existing balances and
// loans are untouched. Requires the token-manager role.
func (e *Engine) RemoveCollateralToken(ctx context.Context, token common.Address) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleTokenManager); err != nil {
		return err
	}
	return e.run(ctx, "remove_collateral_token", func(ctx context.Context) error {
		return e.collateral.RemoveCollateralToken(ctx, token)
	})
}

// BorrowTokens lists borrowable tokens.
func (e *Engine) BorrowTokens() ([]common.Address, error) {
	var out []common.Address
	err := e.view(func() error {
		var err error
		out, err = e.borrowable.List()
		return err
	})
	return out, err
}

// CollateralTokens lists accepted collateral tokens.
func (e *Engine) CollateralTokens() ([]common.Address, error) {
	var out []common.Address
	err := e.view(func() error {
		var err error
		out, err = e.collateral.Tokens()
		return err
	})
	return out, err
}

// SetLTV sets the loan-to-value ratio applied to token as collateral.
// Requires the parameter-manager role.
func (e *Engine) SetLTV(ctx context.Context, token common.Address, ltvBPS uint64) error {
	if ltvBPS > BasisPoints {
		return fmt.Errorf("%w: ltv %d exceeds %d bps", ErrInvalidParameter, ltvBPS, BasisPoints)
	}
	return e.updateAssetParams(ctx, "set_ltv", token, func(p *AssetParams) {
		p.LTVBPS = ltvBPS
	})
}

// SetLiquidationPenalty sets the bonus charged on seized collateral.
// Requires the parameter-manager role.
func (e *Engine) SetLiquidationPenalty(ctx context.Context, token common.Address, penaltyBPS uint64) error {
	if penaltyBPS > BasisPoints {
		return fmt.Errorf("%w: penalty %d exceeds %d bps", ErrInvalidParameter, penaltyBPS, BasisPoints)
	}
	return e.updateAssetParams(ctx, "set_liquidation_penalty", token, func(p *AssetParams) {
		p.LiquidationPenaltyBPS = penaltyBPS
	})
}

// SetBorrowAmountBounds sets the per-loan amount limits for a borrow token.
// A zero max leaves loans uncapped. Requires the parameter-manager role.
func (e *Engine) SetBorrowAmountBounds(ctx context.Context, token common.Address, minAmount, maxAmount *big.Int) error {
	minAmount, maxAmount = cloneBig(minAmount), cloneBig(maxAmount)
	if minAmount.Sign() < 0 || maxAmount.Sign() < 0 {
		return fmt.Errorf("%w: bounds must not be negative", ErrInvalidParameter)
	}
	if maxAmount.Sign() > 0 && minAmount.Cmp(maxAmount) > 0 {
		return fmt.Errorf("%w: min %s exceeds max %s", ErrInvalidParameter, minAmount, maxAmount)
	}
	return e.updateAssetParams(ctx, "set_borrow_amount_bounds", token, func(p *AssetParams) {
		p.MinBorrow = minAmount
		p.MaxBorrow = maxAmount
	})
}

func (e *Engine) updateAssetParams(ctx context.Context, op string, token common.Address, mutate func(*AssetParams)) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleParameterManager); err != nil {
		return err
	}
	if token == (common.Address{}) {
		return ErrInvalidAddress
	}
	return e.run(ctx, op, func(context.Context) error {
		params, err := e.loadAssetParams(token)
		if err != nil {
			return err
		}
		mutate(&params)
		return e.storeAssetParams(token, params)
	})
}

// SetBorrowDurationBounds sets the allowed loan durations. Requires the
// parameter-manager role.
func (e *Engine) SetBorrowDurationBounds(ctx context.Context, minDuration, maxDuration time.Duration) error {
	if minDuration < 0 || maxDuration < minDuration {
		return fmt.Errorf("%w: invalid duration bounds %s..%s", ErrInvalidParameter, minDuration, maxDuration)
	}
	return e.updateGlobalParams(ctx, "set_borrow_duration_bounds", func(p *GlobalParams) {
		p.MinBorrowDuration = minDuration
		p.MaxBorrowDuration = maxDuration
	})
}

// SetGracePeriod sets how long past its due date a loan stays safe from
// duration-based liquidation. Requires the parameter-manager role.
func (e *Engine) SetGracePeriod(ctx context.Context, grace time.Duration) error {
	if grace < 0 {
		return fmt.Errorf("%w: negative grace period", ErrInvalidParameter)
	}
	return e.updateGlobalParams(ctx, "set_grace_period", func(p *GlobalParams) {
		p.GracePeriod = grace
	})
}

func (e *Engine) updateGlobalParams(ctx context.Context, op string, mutate func(*GlobalParams)) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleParameterManager); err != nil {
		return err
	}
	return e.run(ctx, op, func(context.Context) error {
		params, err := e.loadGlobalParams()
		if err != nil {
			return err
		}
		mutate(&params)
		return e.storeGlobalParams(params)
	})
}

// AssetParams returns the configuration stored for token.
func (e *Engine) AssetParams(token common.Address) (AssetParams, error) {
	var params AssetParams
	err := e.view(func() error {
		var err error
		params, err = e.loadAssetParams(token)
		return err
	})
	return params, err
}

// GlobalParams returns the protocol wide limits.
func (e *Engine) GlobalParams() (GlobalParams, error) {
	var params GlobalParams
	err := e.view(func() error {
		var err error
		params, err = e.loadGlobalParams()
		return err
	})
	return params, err
}
