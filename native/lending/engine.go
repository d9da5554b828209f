package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "termlend/native/common"
	"termlend/observability"
)

const moduleName = "lending"

// TokenTransfer moves funds between users and the engine's custody address.
// A failed transfer must leave balances untouched.
type TokenTransfer interface {
	TransferIn(ctx context.Context, token, from common.Address, amount *big.Int) error
	TransferOut(ctx context.Context, token, to common.Address, amount *big.Int) error
	BalanceOf(token, holder common.Address) (*big.Int, error)
	Decimals(token common.Address) (uint8, error)
}

// PriceOracle converts between native token amounts and 18-decimal USD
// values. Lookups may refresh an internal cache.
type PriceOracle interface {
	Price(ctx context.Context, token common.Address) (*big.Int, error)
	Value(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error)
	Amount(ctx context.Context, token common.Address, value *big.Int) (*big.Int, error)
}

// FeedAdmin is implemented by oracles whose feed registrations can be
// managed through the engine.
type FeedAdmin interface {
	SetFeed(ctx context.Context, token common.Address, base, quote string) error
	RemoveFeed(ctx context.Context, token common.Address) error
}

// CollateralLedger is the per-user collateral book owned by the engine.
type CollateralLedger interface {
	Deposit(caller, user, token common.Address, amount *big.Int) error
	Withdraw(caller, user, token common.Address, amount *big.Int) error
	Balance(user, token common.Address) (*big.Int, error)
	IsSupported(token common.Address) (bool, error)
	Tokens() ([]common.Address, error)
	AddCollateralToken(ctx context.Context, token common.Address) error
	RemoveCollateralToken(ctx context.Context, token common.Address) error
}

// RateModel prices a loan at origination.
type RateModel interface {
	BorrowRateBPS(duration time.Duration, utilizationBPS uint64) (uint64, error)
}

// RateParamsSetter is implemented by rate models with tunable parameters.
type RateParamsSetter interface {
	SetParams(ctx context.Context, params RateParams) error
}

// PauseSwitch is a pause view that can also be toggled.
type PauseSwitch interface {
	nativecommon.PauseView
	Pause(ctx context.Context, module string) error
	Unpause(ctx context.Context, module string) error
}

// Config wires the engine's collaborators. Every field except Logger,
// Metrics and Pauses is required.
type Config struct {
	// Address is the engine's custody identity. Collateral ledger writes are
	// authorised against it.
	Address    common.Address
	Store      stateStore
	Snapshots  Snapshotter
	Tokens     TokenTransfer
	Collateral CollateralLedger
	Oracle     PriceOracle
	RateModel  RateModel
	Pauses     nativecommon.PauseView
	Logger     *slog.Logger
	Metrics    *observability.LendingMetrics
}

// Engine orchestrates deposits, withdrawals, borrows, repayments and
// liquidations. Every mutating call runs to completion under a single lock
// and either commits all of its effects or none of them.
type Engine struct {
	mu         sync.Mutex
	address    common.Address
	store      stateStore
	snapshots  Snapshotter
	tokens     TokenTransfer
	collateral CollateralLedger
	oracle     PriceOracle
	rateModel  RateModel
	pauses     nativecommon.PauseView
	borrowable *nativecommon.AddressRegistry
	logger     *slog.Logger
	metrics    *observability.LendingMetrics
	nowFn      func() time.Time
}

// NewEngine validates cfg and constructs an engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Address == (common.Address{}):
		return nil, fmt.Errorf("lending engine: custody address required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("lending engine: storage required")
	case cfg.Snapshots == nil:
		return nil, fmt.Errorf("lending engine: snapshotter required")
	case cfg.Tokens == nil:
		return nil, fmt.Errorf("lending engine: token transfer required")
	case cfg.Collateral == nil:
		return nil, fmt.Errorf("lending engine: collateral ledger required")
	case cfg.Oracle == nil:
		return nil, fmt.Errorf("lending engine: price oracle required")
	case cfg.RateModel == nil:
		return nil, fmt.Errorf("lending engine: rate model required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Lending()
	}
	return &Engine{
		address:    cfg.Address,
		store:      cfg.Store,
		snapshots:  cfg.Snapshots,
		tokens:     cfg.Tokens,
		collateral: cfg.Collateral,
		oracle:     cfg.Oracle,
		rateModel:  cfg.RateModel,
		pauses:     cfg.Pauses,
		borrowable: nativecommon.NewAddressRegistry(cfg.Store, "borrow"),
		logger:     logger.With(slog.String("component", "lending")),
		metrics:    metrics,
		nowFn:      time.Now,
	}, nil
}

// SetNowFunc overrides the wall clock. Primarily leveraged in tests to
// provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// Address returns the engine's custody address.
func (e *Engine) Address() common.Address { return e.address }

type inFlightKey struct{}

// run executes fn as one indivisible operation. Collaborators that call back
// into the engine must pass along the context they were given so re-entry is
// detected instead of deadlocking.
func (e *Engine) run(ctx context.Context, operation string, fn func(ctx context.Context) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if owner, _ := ctx.Value(inFlightKey{}).(*Engine); owner == e {
		return ErrReentrantCall
	}
	start := time.Now()
	defer func() { e.metrics.RecordOperation(operation, err, time.Since(start)) }()
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// The caller may have given up while another operation held the lock.
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithValue(ctx, inFlightKey{}, e)

	snapshot := e.snapshots.Snapshot()
	if err = fn(ctx); err != nil {
		if revertErr := e.snapshots.RevertToSnapshot(snapshot); revertErr != nil {
			err = errors.Join(err, revertErr)
		}
		return err
	}
	if err = e.snapshots.Commit(); err != nil {
		if revertErr := e.snapshots.RevertToSnapshot(snapshot); revertErr != nil {
			err = errors.Join(err, revertErr)
		}
		return err
	}
	return nil
}

// view runs a read-only accessor under the engine lock.
func (e *Engine) view(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}

func (e *Engine) guard() error {
	return nativecommon.Guard(e.pauses, moduleName)
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (e *Engine) isBorrowable(token common.Address) error {
	ok, err := e.borrowable.Contains(token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: borrow token %s", ErrTokenNotSupported, token.Hex())
	}
	return nil
}

func (e *Engine) isCollateral(token common.Address) error {
	ok, err := e.collateral.IsSupported(token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: collateral token %s", ErrTokenNotSupported, token.Hex())
	}
	return nil
}

// Pause suspends every user-facing mutating entry point. Requires the pauser
// role.
func (e *Engine) Pause(ctx context.Context) error {
	return e.setPaused(ctx, true)
}

// Unpause resumes user-facing entry points. Requires the pauser role.
func (e *Engine) Unpause(ctx context.Context) error {
	return e.setPaused(ctx, false)
}

func (e *Engine) setPaused(ctx context.Context, paused bool) error {
	if err := nativecommon.Require(ctx, nativecommon.RolePauser); err != nil {
		return err
	}
	switcher, ok := e.pauses.(PauseSwitch)
	if !ok {
		return ErrUnsupportedOperation
	}
	op := "unpause"
	if paused {
		op = "pause"
	}
	return e.run(ctx, op, func(ctx context.Context) error {
		if paused {
			return switcher.Pause(ctx, moduleName)
		}
		return switcher.Unpause(ctx, moduleName)
	})
}

// Paused reports whether the lending module is paused.
func (e *Engine) Paused() bool {
	var paused bool
	_ = e.view(func() error {
		paused = e.pauses != nil && e.pauses.IsPaused(moduleName)
		return nil
	})
	return paused
}

// SetRateModel swaps the rate model implementation used for new loans.
// Requires the upgrader role. Existing loans keep their frozen interest.
func (e *Engine) SetRateModel(ctx context.Context, model RateModel) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleUpgrader); err != nil {
		return err
	}
	if model == nil {
		return fmt.Errorf("%w: rate model required", ErrInvalidParameter)
	}
	return e.run(ctx, "set_rate_model", func(context.Context) error {
		e.rateModel = model
		return nil
	})
}

// SetRateParams tunes the current rate model. Requires the parameter-manager
// role.
func (e *Engine) SetRateParams(ctx context.Context, params RateParams) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleParameterManager); err != nil {
		return err
	}
	return e.run(ctx, "set_rate_params", func(ctx context.Context) error {
		setter, ok := e.rateModel.(RateParamsSetter)
		if !ok {
			return ErrUnsupportedOperation
		}
		return setter.SetParams(ctx, params)
	})
}

// SetPriceFeed registers the (base, quote) pair used to price token.
// Requires the parameter-manager role.
func (e *Engine) SetPriceFeed(ctx context.Context, token common.Address, base, quote string) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleParameterManager); err != nil {
		return err
	}
	admin, ok := e.oracle.(FeedAdmin)
	if !ok {
		return ErrUnsupportedOperation
	}
	return e.run(ctx, "set_price_feed", func(ctx context.Context) error {
		return admin.SetFeed(ctx, token, base, quote)
	})
}

// RemovePriceFeed clears the pair registered for token. Requires the
// parameter-manager role.
func (e *Engine) RemovePriceFeed(ctx context.Context, token common.Address) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleParameterManager); err != nil {
		return err
	}
	admin, ok := e.oracle.(FeedAdmin)
	if !ok {
		return ErrUnsupportedOperation
	}
	return e.run(ctx, "remove_price_feed", func(ctx context.Context) error {
		return admin.RemoveFeed(ctx, token)
	})
}

// Price returns the oracle's USD price for one whole token. The lookup may
// refresh the price cache.
func (e *Engine) Price(ctx context.Context, token common.Address) (*big.Int, error) {
	var price *big.Int
	err := e.run(ctx, "price", func(ctx context.Context) error {
		var err error
		price, err = e.oracle.Price(ctx, token)
		return err
	})
	return price, err
}
