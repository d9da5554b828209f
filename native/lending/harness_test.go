package lending

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"termlend/core/state"
	"termlend/native/bank"
	"termlend/native/collateral"
	nativecommon "termlend/native/common"
	"termlend/storage"
)

var (
	custodyAddr = makeAddress(0xC0)
	colToken    = makeAddress(0xE1)
	usdToken    = makeAddress(0xD1)
	alice       = makeAddress(0xA1)
	bob         = makeAddress(0xB1)
	lp          = makeAddress(0x11)
	errFeedDown = errors.New("feed down")
)

func makeAddress(b byte) common.Address {
	var addr common.Address
	addr[0] = 0x42
	addr[19] = b
	return addr
}

func units(v int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

func usd(v int64) *big.Int { return units(v, 6) }
func col(v int64) *big.Int { return units(v, 18) }

// price returns an 18-decimal price of num/den dollars.
func price(num, den int64) *big.Int {
	p := units(num, 18)
	return p.Quo(p, big.NewInt(den))
}

func adminCtx() context.Context {
	return nativecommon.WithCapabilities(context.Background(), nativecommon.AllRoles()...)
}

// fakeOracle prices tokens from a fixed table using the same fixed-point
// conversions as the production oracle.
type fakeOracle struct {
	mu       sync.Mutex
	prices   map[common.Address]*big.Int
	decimals map[common.Address]uint8
	err      error
}

func (o *fakeOracle) set(token common.Address, p *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[token] = p
}

func (o *fakeOracle) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *fakeOracle) Price(_ context.Context, token common.Address) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	p, ok := o.prices[token]
	if !ok {
		return nil, errors.New("no price")
	}
	return new(big.Int).Set(p), nil
}

func (o *fakeOracle) scale(token common.Address) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(o.decimals[token])), nil)
}

func (o *fakeOracle) Value(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error) {
	p, err := o.Price(ctx, token)
	if err != nil {
		return nil, err
	}
	return mulDiv(amount, p, o.scale(token)), nil
}

func (o *fakeOracle) Amount(ctx context.Context, token common.Address, value *big.Int) (*big.Int, error) {
	p, err := o.Price(ctx, token)
	if err != nil {
		return nil, err
	}
	return mulDiv(value, o.scale(token), p), nil
}

// hookTokens lets tests intercept transfers.
type hookTokens struct {
	*bank.Ledger
	onTransferOut func(ctx context.Context) error
}

func (h *hookTokens) TransferOut(ctx context.Context, token, to common.Address, amount *big.Int) error {
	if h.onTransferOut != nil {
		if err := h.onTransferOut(ctx); err != nil {
			return err
		}
	}
	return h.Ledger.TransferOut(ctx, token, to, amount)
}

type harness struct {
	t          *testing.T
	engine     *Engine
	ledger     *bank.Ledger
	tokens     *hookTokens
	collateral *collateral.Manager
	oracle     *fakeOracle
	now        time.Time
}

// newHarness wires a fully configured engine: COL (18 decimals, $1) is
// accepted as collateral at 50% LTV with a 10% penalty and USD (6 decimals,
// $1) is borrowable with 1,000,000 of liquidity.
func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(mgr, custodyAddr)
	if err := ledger.RegisterToken(colToken, "COL", 18); err != nil {
		t.Fatalf("register col: %v", err)
	}
	if err := ledger.RegisterToken(usdToken, "USD", 6); err != nil {
		t.Fatalf("register usd: %v", err)
	}
	cm, err := collateral.NewManager(mgr, custodyAddr)
	if err != nil {
		t.Fatalf("collateral manager: %v", err)
	}
	oracle := &fakeOracle{
		prices:   map[common.Address]*big.Int{colToken: price(1, 1), usdToken: price(1, 1)},
		decimals: map[common.Address]uint8{colToken: 18, usdToken: 6},
	}
	h := &harness{
		t:          t,
		ledger:     ledger,
		tokens:     &hookTokens{Ledger: ledger},
		collateral: cm,
		oracle:     oracle,
		now:        time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	engine, err := NewEngine(Config{
		Address:    custodyAddr,
		Store:      mgr,
		Snapshots:  mgr,
		Tokens:     h.tokens,
		Collateral: cm,
		Oracle:     oracle,
		RateModel:  NewInterestRateModel(mgr),
		Pauses:     nativecommon.NewPauses(mgr),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetNowFunc(func() time.Time { return h.now })
	h.engine = engine

	ctx := adminCtx()
	h.must(engine.AddBorrowToken(ctx, usdToken))
	h.must(engine.AddCollateralToken(ctx, colToken))
	h.must(engine.SetLTV(ctx, colToken, 5000))
	h.must(engine.SetLiquidationPenalty(ctx, colToken, 1000))
	h.must(engine.SetBorrowDurationBounds(ctx, 24*time.Hour, 365*24*time.Hour))
	h.must(engine.SetGracePeriod(ctx, 24*time.Hour))
	h.must(engine.SetRateParams(ctx, RateParams{BaseRatePerDayBPS: 1, Slope1BPS: 10, Slope2BPS: 100, KinkBPS: 8000}))

	h.must(ledger.Mint(usdToken, lp, usd(1_000_000)))
	h.must(engine.AddLiquidity(ctx, lp, usdToken, usd(1_000_000)))
	h.must(ledger.Mint(colToken, alice, col(100_000)))
	h.must(engine.DepositCollateral(context.Background(), alice, colToken, col(100_000)))
	return h
}

func (h *harness) must(err error) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("setup: %v", err)
	}
}

func (h *harness) loan(user common.Address) *Loan {
	h.t.Helper()
	loan, err := h.engine.Loan(user, colToken)
	if err != nil {
		h.t.Fatalf("load loan: %v", err)
	}
	return loan
}

func (h *harness) collateralBalance(user common.Address) *big.Int {
	h.t.Helper()
	bal, err := h.collateral.Balance(user, colToken)
	if err != nil {
		h.t.Fatalf("collateral balance: %v", err)
	}
	return bal
}

func (h *harness) tokenBalance(token, holder common.Address) *big.Int {
	h.t.Helper()
	bal, err := h.ledger.BalanceOf(token, holder)
	if err != nil {
		h.t.Fatalf("token balance: %v", err)
	}
	return bal
}

func (h *harness) amount(fn func(common.Address) (*big.Int, error), token common.Address) *big.Int {
	h.t.Helper()
	v, err := fn(token)
	if err != nil {
		h.t.Fatalf("read amount: %v", err)
	}
	return v
}

// checkLoanInvariant asserts repaid never exceeds the obligation and that a
// fully repaid loan leaves no record behind.
func (h *harness) checkLoanInvariant(user common.Address) {
	h.t.Helper()
	loan := h.loan(user)
	if loan.RepaidAmount.Cmp(loan.TotalObligation()) > 0 {
		h.t.Fatalf("repaid %s exceeds obligation %s", loan.RepaidAmount, loan.TotalObligation())
	}
	if !loan.Active && (loan.Principal.Sign() != 0 || loan.RepaidAmount.Sign() != 0) {
		h.t.Fatalf("inactive loan retains state: %+v", loan)
	}
}
