package lending

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "termlend/native/common"
)

// AddLiquidity deposits borrowable funds from provider. Requires the
// liquidity-provider role.
func (e *Engine) AddLiquidity(ctx context.Context, provider, token common.Address, amount *big.Int) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleLiquidityProvider); err != nil {
		return err
	}
	return e.run(ctx, "add_liquidity", func(ctx context.Context) error {
		if err := e.guard(); err != nil {
			return err
		}
		if provider == (common.Address{}) {
			return ErrInvalidAddress
		}
		if err := validAmount(amount); err != nil {
			return err
		}
		if err := e.isBorrowable(token); err != nil {
			return err
		}
		if err := e.tokens.TransferIn(ctx, token, provider, amount); err != nil {
			return err
		}
		return e.addAmount(liquidityKey(token), amount)
	})
}

// RemoveLiquidity releases idle funds to provider. Requires the
// liquidity-provider role.
func (e *Engine) RemoveLiquidity(ctx context.Context, provider, token common.Address, amount *big.Int) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleLiquidityProvider); err != nil {
		return err
	}
	return e.run(ctx, "remove_liquidity", func(ctx context.Context) error {
		if err := e.guard(); err != nil {
			return err
		}
		if provider == (common.Address{}) {
			return ErrInvalidAddress
		}
		if err := validAmount(amount); err != nil {
			return err
		}
		if err := e.subAmount(liquidityKey(token), amount, ErrInsufficientLiquidity); err != nil {
			return err
		}
		return e.tokens.TransferOut(ctx, token, provider, amount)
	})
}

// WithdrawLiquidatedCollateral releases seized collateral held by the
// protocol. Requires the liquidity-provider role.
func (e *Engine) WithdrawLiquidatedCollateral(ctx context.Context, to, token common.Address, amount *big.Int) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleLiquidityProvider); err != nil {
		return err
	}
	return e.run(ctx, "withdraw_liquidated_collateral", func(ctx context.Context) error {
		if err := e.guard(); err != nil {
			return err
		}
		if to == (common.Address{}) {
			return ErrInvalidAddress
		}
		if err := validAmount(amount); err != nil {
			return err
		}
		if err := e.subAmount(liquidatedKey(token), amount, ErrInsufficientBalance); err != nil {
			return err
		}
		if err := e.tokens.TransferOut(ctx, token, to, amount); err != nil {
			return err
		}
		e.logger.Info("liquidated collateral withdrawn",
			slog.String("token", token.Hex()),
			slog.String("to", to.Hex()),
			slog.String("amount", amount.String()))
		return nil
	})
}

// Liquidity returns the idle balance available to borrowers of token.
func (e *Engine) Liquidity(token common.Address) (*big.Int, error) {
	return e.amount(liquidityKey(token))
}

// TotalDebt returns the outstanding principal plus interest owed in token.
func (e *Engine) TotalDebt(token common.Address) (*big.Int, error) {
	return e.amount(totalDebtKey(token))
}

// LiquidatedCollateral returns the seized collateral held for token.
func (e *Engine) LiquidatedCollateral(token common.Address) (*big.Int, error) {
	return e.amount(liquidatedKey(token))
}

// UtilizationBPS returns the current utilisation of a borrow token.
func (e *Engine) UtilizationBPS(token common.Address) (uint64, error) {
	var util uint64
	err := e.view(func() error {
		var err error
		util, err = e.utilization(token)
		return err
	})
	return util, err
}

func (e *Engine) utilization(token common.Address) (uint64, error) {
	debt, err := e.loadAmount(totalDebtKey(token))
	if err != nil {
		return 0, err
	}
	available, err := e.loadAmount(liquidityKey(token))
	if err != nil {
		return 0, err
	}
	return UtilizationBPS(debt, available), nil
}

func (e *Engine) amount(key []byte) (*big.Int, error) {
	var value *big.Int
	err := e.view(func() error {
		var err error
		value, err = e.loadAmount(key)
		return err
	})
	return value, err
}

// Markets summarises every listed borrow and collateral token.
func (e *Engine) Markets() ([]Market, error) {
	var markets []Market
	err := e.view(func() error {
		borrowable, err := e.borrowable.List()
		if err != nil {
			return err
		}
		collateral, err := e.collateral.Tokens()
		if err != nil {
			return err
		}
		index := make(map[common.Address]int)
		add := func(token common.Address) int {
			if idx, ok := index[token]; ok {
				return idx
			}
			index[token] = len(markets)
			markets = append(markets, Market{Token: token})
			return len(markets) - 1
		}
		for _, token := range borrowable {
			idx := add(token)
			markets[idx].Borrowable = true
		}
		for _, token := range collateral {
			idx := add(token)
			markets[idx].Collateral = true
		}
		for i := range markets {
			m := &markets[i]
			if m.Params, err = e.loadAssetParams(m.Token); err != nil {
				return err
			}
			if m.Liquidity, err = e.loadAmount(liquidityKey(m.Token)); err != nil {
				return err
			}
			if m.TotalDebt, err = e.loadAmount(totalDebtKey(m.Token)); err != nil {
				return err
			}
			if m.LiquidatedCollateral, err = e.loadAmount(liquidatedKey(m.Token)); err != nil {
				return err
			}
			m.UtilizationBPS = UtilizationBPS(m.TotalDebt, m.Liquidity)
		}
		return nil
	})
	return markets, err
}
