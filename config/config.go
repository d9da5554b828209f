package config

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"termlend/core/pricing"
	"termlend/native/bank"
	nativecommon "termlend/native/common"
	"termlend/native/lending"
)

// LoadProtocol loads the protocol parameters from path, writing the defaults
// there first when the file does not exist.
func LoadProtocol(path string) (*Protocol, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Protocol{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	normalize(cfg)
	if err := ValidateProtocol(*cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultProtocol returns parameters with no listed tokens and the default
// oracle timings.
func DefaultProtocol() Protocol {
	oracle := pricing.DefaultOracleConfig()
	return Protocol{
		Oracle: Oracle{
			DisputeBufferSeconds:   uint64(oracle.DisputeBuffer / time.Second),
			WindowSeconds:          uint64(oracle.Window / time.Second),
			SampleStepSeconds:      uint64(oracle.SampleStep / time.Second),
			RefreshIntervalSeconds: uint64(oracle.RefreshInterval / time.Second),
			StaleAfterSeconds:      uint64(oracle.StaleAfter / time.Second),
		},
		Loans: Loans{
			MinBorrowDurationSeconds: uint64((24 * time.Hour) / time.Second),
			MaxBorrowDurationSeconds: uint64((365 * 24 * time.Hour) / time.Second),
			GracePeriodSeconds:       uint64((3 * 24 * time.Hour) / time.Second),
		},
		RateModel: RateModel{
			BaseRatePerDayBPS: 1,
			Slope1BPS:         10,
			Slope2BPS:         100,
			KinkBPS:           8000,
		},
		Tokens: []Token{},
	}
}

func normalize(cfg *Protocol) {
	defaults := DefaultProtocol()
	if cfg.Oracle.WindowSeconds == 0 {
		cfg.Oracle.WindowSeconds = defaults.Oracle.WindowSeconds
	}
	if cfg.Oracle.SampleStepSeconds == 0 {
		cfg.Oracle.SampleStepSeconds = defaults.Oracle.SampleStepSeconds
	}
	if cfg.Oracle.StaleAfterSeconds == 0 {
		cfg.Oracle.StaleAfterSeconds = defaults.Oracle.StaleAfterSeconds
	}
	if cfg.Tokens == nil {
		cfg.Tokens = []Token{}
	}
	for i := range cfg.Tokens {
		token := &cfg.Tokens[i]
		token.Address = strings.TrimSpace(token.Address)
		token.Symbol = strings.ToUpper(strings.TrimSpace(token.Symbol))
		token.FeedBase = strings.ToUpper(strings.TrimSpace(token.FeedBase))
		token.FeedQuote = strings.ToUpper(strings.TrimSpace(token.FeedQuote))
		if token.FeedBase == "" {
			token.FeedBase = token.Symbol
		}
		if token.FeedQuote == "" {
			token.FeedQuote = "USD"
		}
	}
}

func createDefault(path string) (*Protocol, error) {
	cfg := DefaultProtocol()
	if err := persist(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func persist(path string, cfg *Protocol) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ParseAmount converts a whole-token decimal string into base units. An empty
// string parses as zero.
func ParseAmount(raw string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if value.IsNegative() {
		return nil, fmt.Errorf("amount %q must not be negative", raw)
	}
	scaled := value.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q exceeds %d decimals", raw, decimals)
	}
	return scaled.BigInt(), nil
}

// OracleConfig converts the oracle section into runtime settings.
func (p Protocol) OracleConfig() pricing.OracleConfig {
	seconds := func(v uint64) time.Duration { return time.Duration(v) * time.Second }
	return pricing.OracleConfig{
		DisputeBuffer:   seconds(p.Oracle.DisputeBufferSeconds),
		Window:          seconds(p.Oracle.WindowSeconds),
		SampleStep:      seconds(p.Oracle.SampleStepSeconds),
		RefreshInterval: seconds(p.Oracle.RefreshIntervalSeconds),
		StaleAfter:      seconds(p.Oracle.StaleAfterSeconds),
	}
}

// RateParams converts the rate model section into engine parameters.
func (p Protocol) RateParams() lending.RateParams {
	return lending.RateParams{
		BaseRatePerDayBPS: p.RateModel.BaseRatePerDayBPS,
		Slope1BPS:         p.RateModel.Slope1BPS,
		Slope2BPS:         p.RateModel.Slope2BPS,
		KinkBPS:           p.RateModel.KinkBPS,
	}
}

// TokenRegistry records token metadata.
type TokenRegistry interface {
	RegisterToken(token common.Address, symbol string, decimals uint8) error
}

// Engine is the admin surface Apply drives.
type Engine interface {
	AddBorrowToken(ctx context.Context, token common.Address) error
	AddCollateralToken(ctx context.Context, token common.Address) error
	SetLTV(ctx context.Context, token common.Address, ltvBPS uint64) error
	SetLiquidationPenalty(ctx context.Context, token common.Address, penaltyBPS uint64) error
	SetBorrowAmountBounds(ctx context.Context, token common.Address, minAmount, maxAmount *big.Int) error
	SetBorrowDurationBounds(ctx context.Context, minDuration, maxDuration time.Duration) error
	SetGracePeriod(ctx context.Context, grace time.Duration) error
	SetRateParams(ctx context.Context, params lending.RateParams) error
	SetPriceFeed(ctx context.Context, token common.Address, base, quote string) error
	Pause(ctx context.Context) error
}

// Apply registers every token and pushes the parameters through the engine's
// admin operations. ctx must carry the roles those operations require.
// Listings and feeds that already exist are left in place so Apply can run
// against a persisted store on every start.
func (p Protocol) Apply(ctx context.Context, engine Engine, registry TokenRegistry) error {
	if err := ValidateProtocol(p); err != nil {
		return err
	}
	for _, token := range p.Tokens {
		addr := common.HexToAddress(token.Address)
		if err := registry.RegisterToken(addr, token.Symbol, token.Decimals); ignoreExisting(err) != nil {
			return fmt.Errorf("register %s: %w", token.Symbol, err)
		}
		if err := engine.SetPriceFeed(ctx, addr, token.FeedBase, token.FeedQuote); ignoreExisting(err) != nil {
			return fmt.Errorf("feed %s: %w", token.Symbol, err)
		}
		if token.Borrowable {
			if err := engine.AddBorrowToken(ctx, addr); ignoreExisting(err) != nil {
				return fmt.Errorf("list %s for borrowing: %w", token.Symbol, err)
			}
			minBorrow, _ := ParseAmount(token.MinBorrow, token.Decimals)
			maxBorrow, _ := ParseAmount(token.MaxBorrow, token.Decimals)
			if err := engine.SetBorrowAmountBounds(ctx, addr, minBorrow, maxBorrow); err != nil {
				return fmt.Errorf("bounds %s: %w", token.Symbol, err)
			}
		}
		if token.Collateral {
			if err := engine.AddCollateralToken(ctx, addr); ignoreExisting(err) != nil {
				return fmt.Errorf("list %s as collateral: %w", token.Symbol, err)
			}
			if err := engine.SetLTV(ctx, addr, token.LTVBPS); err != nil {
				return fmt.Errorf("ltv %s: %w", token.Symbol, err)
			}
			if err := engine.SetLiquidationPenalty(ctx, addr, token.LiquidationPenaltyBPS); err != nil {
				return fmt.Errorf("penalty %s: %w", token.Symbol, err)
			}
		}
	}
	seconds := func(v uint64) time.Duration { return time.Duration(v) * time.Second }
	if err := engine.SetBorrowDurationBounds(ctx, seconds(p.Loans.MinBorrowDurationSeconds), seconds(p.Loans.MaxBorrowDurationSeconds)); err != nil {
		return fmt.Errorf("duration bounds: %w", err)
	}
	if err := engine.SetGracePeriod(ctx, seconds(p.Loans.GracePeriodSeconds)); err != nil {
		return fmt.Errorf("grace period: %w", err)
	}
	if err := engine.SetRateParams(ctx, p.RateParams()); err != nil {
		return fmt.Errorf("rate model: %w", err)
	}
	if p.Pauses.Lending {
		if err := engine.Pause(ctx); err != nil {
			return fmt.Errorf("pause lending: %w", err)
		}
	}
	return nil
}

func ignoreExisting(err error) error {
	switch {
	case errors.Is(err, bank.ErrTokenExists),
		errors.Is(err, nativecommon.ErrAlreadyRegistered),
		errors.Is(err, pricing.ErrFeedAlreadySet):
		return nil
	}
	return err
}
