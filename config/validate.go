package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const basisPoints = 10_000

var (
	// MaxTokenDecimals bounds the precision of listed tokens.
	MaxTokenDecimals = uint8(36)
)

// ValidateProtocol checks the parameters for internal consistency before any
// of them reach the engine.
func ValidateProtocol(p Protocol) error {
	if p.Oracle.WindowSeconds == 0 || p.Oracle.SampleStepSeconds == 0 {
		return fmt.Errorf("oracle: window and sample step must be positive")
	}
	if p.Oracle.SampleStepSeconds > p.Oracle.WindowSeconds {
		return fmt.Errorf("oracle: sample step exceeds window")
	}
	if p.Oracle.StaleAfterSeconds == 0 {
		return fmt.Errorf("oracle: stale_after must be positive")
	}
	if p.Loans.MaxBorrowDurationSeconds == 0 || p.Loans.MinBorrowDurationSeconds > p.Loans.MaxBorrowDurationSeconds {
		return fmt.Errorf("loans: min duration > max duration or max is zero")
	}
	if p.RateModel.KinkBPS == 0 || p.RateModel.KinkBPS >= basisPoints {
		return fmt.Errorf("rate_model: kink must be between 1 and %d bps", basisPoints-1)
	}
	seen := make(map[common.Address]struct{}, len(p.Tokens))
	for i, token := range p.Tokens {
		if !common.IsHexAddress(token.Address) {
			return fmt.Errorf("tokens[%d]: invalid address %q", i, token.Address)
		}
		addr := common.HexToAddress(token.Address)
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("tokens[%d]: duplicate address %s", i, addr.Hex())
		}
		seen[addr] = struct{}{}
		if strings.TrimSpace(token.Symbol) == "" {
			return fmt.Errorf("tokens[%d]: symbol required", i)
		}
		if token.Decimals > MaxTokenDecimals {
			return fmt.Errorf("tokens[%d]: decimals %d exceeds %d", i, token.Decimals, MaxTokenDecimals)
		}
		if !token.Borrowable && !token.Collateral {
			return fmt.Errorf("tokens[%d]: token must be borrowable, collateral or both", i)
		}
		if token.LTVBPS > basisPoints || token.LiquidationPenaltyBPS > basisPoints {
			return fmt.Errorf("tokens[%d]: ltv and penalty must not exceed %d bps", i, basisPoints)
		}
		if token.FeedBase == "" {
			return fmt.Errorf("tokens[%d]: feed base required", i)
		}
		minBorrow, err := ParseAmount(token.MinBorrow, token.Decimals)
		if err != nil {
			return fmt.Errorf("tokens[%d]: min borrow: %w", i, err)
		}
		maxBorrow, err := ParseAmount(token.MaxBorrow, token.Decimals)
		if err != nil {
			return fmt.Errorf("tokens[%d]: max borrow: %w", i, err)
		}
		if maxBorrow.Sign() > 0 && minBorrow.Cmp(maxBorrow) > 0 {
			return fmt.Errorf("tokens[%d]: min borrow exceeds max borrow", i)
		}
	}
	return nil
}
