package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"termlend/core/pricing"
	"termlend/core/state"
	"termlend/native/bank"
	"termlend/native/collateral"
	nativecommon "termlend/native/common"
	"termlend/native/lending"
	"termlend/storage"
)

const testSecret = "lending-test-secret"

var (
	custody  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	colToken = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdToken = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	ethToken = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	lp       = common.HexToAddress("0x0000000000000000000000000000000000000011")
)

func units(v int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

type fixture struct {
	handler http.Handler
	engine  *lending.Engine
	ledger  *bank.Ledger
	feed    *pricing.ManualFeed
}

func newFixture(t *testing.T, limit RateLimit) *fixture {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(mgr, custody)
	require.NoError(t, ledger.RegisterToken(colToken, "COL", 18))
	require.NoError(t, ledger.RegisterToken(usdToken, "USDC", 6))

	feed := pricing.NewManualFeed()
	observed := time.Now().Add(-2 * time.Hour)
	require.NoError(t, feed.Submit("COL", "USD", units(1, 18), observed))
	require.NoError(t, feed.Submit("USDC", "USD", units(1, 18), observed))

	oracle, err := pricing.NewOracle(pricing.DefaultOracleConfig(), feed, ledger, mgr)
	require.NoError(t, err)
	cm, err := collateral.NewManager(mgr, custody)
	require.NoError(t, err)
	engine, err := lending.NewEngine(lending.Config{
		Address:    custody,
		Store:      mgr,
		Snapshots:  mgr,
		Tokens:     ledger,
		Collateral: cm,
		Oracle:     oracle,
		RateModel:  lending.NewInterestRateModel(mgr),
		Pauses:     nativecommon.NewPauses(mgr),
	})
	require.NoError(t, err)

	admin := nativecommon.WithCapabilities(context.Background(), nativecommon.AllRoles()...)
	require.NoError(t, engine.SetPriceFeed(admin, colToken, "COL", "USD"))
	require.NoError(t, engine.SetPriceFeed(admin, usdToken, "USDC", "USD"))
	require.NoError(t, engine.AddBorrowToken(admin, usdToken))
	require.NoError(t, engine.AddCollateralToken(admin, colToken))
	require.NoError(t, engine.SetLTV(admin, colToken, 5000))
	require.NoError(t, engine.SetLiquidationPenalty(admin, colToken, 1000))
	require.NoError(t, engine.SetBorrowDurationBounds(admin, 24*time.Hour, 365*24*time.Hour))
	require.NoError(t, engine.SetGracePeriod(admin, 24*time.Hour))
	require.NoError(t, engine.SetRateParams(admin, lending.RateParams{BaseRatePerDayBPS: 1, Slope1BPS: 10, Slope2BPS: 100, KinkBPS: 8000}))

	require.NoError(t, ledger.Mint(usdToken, lp, units(1_000_000, 6)))
	require.NoError(t, engine.AddLiquidity(admin, lp, usdToken, units(1_000_000, 6)))
	require.NoError(t, ledger.Mint(colToken, alice, units(100_000, 18)))

	handler, err := New(Config{
		Engine:    engine,
		Samples:   feed,
		Auth:      AuthConfig{HMACSecret: testSecret, AllowAnonymousReads: true},
		RateLimit: limit,
	})
	require.NoError(t, err)
	return &fixture{handler: handler, engine: engine, ledger: ledger, feed: feed}
}

func signToken(t *testing.T, secret, subject string, roles ...nativecommon.Role) string {
	t.Helper()
	scopes := make([]string, 0, len(roles))
	for _, role := range roles {
		scopes = append(scopes, string(role))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"scope": strings.Join(scopes, " "),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthzAndRequestID(t *testing.T) {
	f := newFixture(t, RateLimit{})
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
}

func TestReadsAllowAnonymous(t *testing.T) {
	f := newFixture(t, RateLimit{})
	rec := f.do(t, http.MethodGet, "/v1/markets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[MarketsResponse](t, rec)
	require.False(t, resp.Paused)
	require.Len(t, resp.Markets, 2)
	require.Equal(t, uint64(86400), resp.GracePeriodSeconds)
	for _, m := range resp.Markets {
		if m.Token == usdToken.Hex() {
			require.True(t, m.Borrowable)
			require.Equal(t, units(1_000_000, 6).String(), m.Liquidity)
		}
	}

	rec = f.do(t, http.MethodGet, "/v1/prices/"+colToken.Hex(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	price := decode[PriceResponse](t, rec)
	require.Equal(t, "1", price.Decimal)

	rec = f.do(t, http.MethodGet, "/v1/loans/not-an-address/"+colToken.Hex(), "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWritesRequireValidToken(t *testing.T) {
	f := newFixture(t, RateLimit{})
	body := map[string]string{"token": colToken.Hex(), "amount": "1"}

	rec := f.do(t, http.MethodPost, "/v1/collateral/deposit", "", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/collateral/deposit", signToken(t, "other-secret", alice.Hex()), body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/collateral/deposit", signToken(t, testSecret, "alice"), body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/collateral/deposit", signToken(t, testSecret, alice.Hex()), body)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestBorrowLifecycle(t *testing.T) {
	f := newFixture(t, RateLimit{})
	token := signToken(t, testSecret, alice.Hex())

	rec := f.do(t, http.MethodPost, "/v1/collateral/deposit", token, map[string]string{
		"token":  colToken.Hex(),
		"amount": units(100_000, 18).String(),
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	quotePath := fmt.Sprintf("/v1/quote?user=%s&borrow_token=%s&collateral_token=%s&duration_seconds=%d",
		alice.Hex(), usdToken.Hex(), colToken.Hex(), 30*86400)
	rec = f.do(t, http.MethodGet, quotePath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	quote := decode[QuoteResponse](t, rec)
	require.Equal(t, uint64(30), quote.RateBPS)
	require.Equal(t, units(50_000, 6).String(), quote.MaxBorrowBeforeInterest)
	require.Equal(t, "49850448654", quote.MaxBorrowAfterInterest)

	rec = f.do(t, http.MethodPost, "/v1/borrow", token, map[string]interface{}{
		"borrow_token":     usdToken.Hex(),
		"collateral_token": colToken.Hex(),
		"amount":           units(40_000, 6).String(),
		"duration_seconds": 30 * 86400,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	loan := decode[LoanResponse](t, rec)
	require.True(t, loan.Active)
	require.Equal(t, units(120, 6).String(), loan.Interest)
	require.Equal(t, units(40_120, 6).String(), loan.Remaining)
	require.NotNil(t, loan.DueDate)

	rec = f.do(t, http.MethodGet, "/v1/loans/"+alice.Hex()+"/"+colToken.Hex(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	loan = decode[LoanResponse](t, rec)
	require.Equal(t, usdToken.Hex(), loan.BorrowToken)
	require.Equal(t, units(100_000, 18).String(), loan.CollateralBalance)

	rec = f.do(t, http.MethodGet, "/v1/health/"+alice.Hex()+"/"+colToken.Hex(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	require.False(t, health.Liquidatable)
	require.Equal(t, "12462", health.HealthFactor)

	rec = f.do(t, http.MethodPost, "/v1/repay", token, map[string]string{
		"collateral_token": colToken.Hex(),
		"amount":           units(10_000, 6).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	loan = decode[LoanResponse](t, rec)
	require.Equal(t, units(30_120, 6).String(), loan.Remaining)

	rec = f.do(t, http.MethodPost, "/v1/collateral/withdraw", token, map[string]string{
		"token":  colToken.Hex(),
		"amount": units(50_000, 18).String(),
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestBorrowErrorsMapToStatus(t *testing.T) {
	f := newFixture(t, RateLimit{})
	token := signToken(t, testSecret, alice.Hex())
	rec := f.do(t, http.MethodPost, "/v1/collateral/deposit", token, map[string]string{
		"token":  colToken.Hex(),
		"amount": units(100_000, 18).String(),
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	borrow := func(amount string, duration int) *httptest.ResponseRecorder {
		return f.do(t, http.MethodPost, "/v1/borrow", token, map[string]interface{}{
			"borrow_token":     usdToken.Hex(),
			"collateral_token": colToken.Hex(),
			"amount":           amount,
			"duration_seconds": duration,
		})
	}
	require.Equal(t, http.StatusUnprocessableEntity, borrow("49850448655", 30*86400).Code)
	require.Equal(t, http.StatusBadRequest, borrow("abc", 30*86400).Code)
	require.Equal(t, http.StatusBadRequest, borrow("1000", 3600).Code)
	require.Equal(t, http.StatusCreated, borrow("1000", 30*86400).Code)
	require.Equal(t, http.StatusConflict, borrow("1000", 30*86400).Code)

	rec = f.do(t, http.MethodPost, "/v1/borrow", token, map[string]interface{}{"unexpected": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDurationsBeyondRangeRejected(t *testing.T) {
	f := newFixture(t, RateLimit{})
	token := signToken(t, testSecret, alice.Hex())
	admin := signToken(t, testSecret, lp.Hex(), nativecommon.RoleParameterManager)
	rec := f.do(t, http.MethodPost, "/v1/collateral/deposit", token, map[string]string{
		"token":  colToken.Hex(),
		"amount": units(100_000, 18).String(),
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	before, err := f.engine.GlobalParams()
	require.NoError(t, err)

	for _, v := range []uint64{maxSeconds + 1, math.MaxUint64 / uint64(time.Second), math.MaxUint64} {
		quotePath := fmt.Sprintf("/v1/quote?user=%s&borrow_token=%s&collateral_token=%s&duration_seconds=%d",
			alice.Hex(), usdToken.Hex(), colToken.Hex(), v)
		rec = f.do(t, http.MethodGet, quotePath, "", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

		rec = f.do(t, http.MethodPost, "/v1/borrow", token, map[string]interface{}{
			"borrow_token":     usdToken.Hex(),
			"collateral_token": colToken.Hex(),
			"amount":           "1000",
			"duration_seconds": v,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

		rec = f.do(t, http.MethodPost, "/v1/admin/params/global", admin, map[string]interface{}{"grace_period_seconds": v})
		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	}

	loan, err := f.engine.Loan(alice, colToken)
	require.NoError(t, err)
	require.False(t, loan.Active)
	after, err := f.engine.GlobalParams()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestLiquidationRequiresRole(t *testing.T) {
	f := newFixture(t, RateLimit{})
	body := map[string]string{"user": alice.Hex(), "collateral_token": colToken.Hex()}

	rec := f.do(t, http.MethodPost, "/v1/liquidate", signToken(t, testSecret, lp.Hex()), body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/liquidate", signToken(t, testSecret, lp.Hex(), nativecommon.RoleLiquidator), body)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestAdminPauseAndFeeds(t *testing.T) {
	f := newFixture(t, RateLimit{})
	user := signToken(t, testSecret, alice.Hex())
	admin := signToken(t, testSecret, lp.Hex(), nativecommon.AllRoles()...)

	require.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/admin/pause", user, nil).Code)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/admin/pause", admin, nil).Code)

	rec := f.do(t, http.MethodPost, "/v1/collateral/deposit", user, map[string]string{"token": colToken.Hex(), "amount": "1"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	markets := decode[MarketsResponse](t, f.do(t, http.MethodGet, "/v1/markets", "", nil))
	require.True(t, markets.Paused)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/admin/unpause", admin, nil).Code)

	observed := time.Now().Add(-90 * time.Minute).UTC()
	rec = f.do(t, http.MethodPost, "/v1/admin/prices", user, map[string]interface{}{"base": "ETH", "quote": "USD", "price": "2500.5", "timestamp": observed})
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/admin/prices", admin, map[string]interface{}{"base": "ETH", "quote": "USD", "price": "2500.5", "timestamp": observed})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/prices/"+ethToken.Hex(), "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/feeds", admin, map[string]string{"token": ethToken.Hex(), "base": "eth", "quote": "usd"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/v1/admin/feeds", admin, map[string]string{"token": ethToken.Hex(), "base": "eth", "quote": "usd"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/prices/"+ethToken.Hex(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "2500.5", decode[PriceResponse](t, rec).Decimal)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/admin/feeds/"+ethToken.Hex(), admin, nil).Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/admin/feeds/"+ethToken.Hex(), admin, nil).Code)
}

func TestAdminParams(t *testing.T) {
	f := newFixture(t, RateLimit{})
	admin := signToken(t, testSecret, lp.Hex(), nativecommon.RoleParameterManager)

	rec := f.do(t, http.MethodPost, "/v1/admin/params/asset", admin, map[string]interface{}{
		"token":      usdToken.Hex(),
		"min_borrow": "100",
		"max_borrow": "5000",
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	params, err := f.engine.AssetParams(usdToken)
	require.NoError(t, err)
	require.Zero(t, params.MinBorrow.Cmp(big.NewInt(100)))
	require.Zero(t, params.MaxBorrow.Cmp(big.NewInt(5000)))

	rec = f.do(t, http.MethodPost, "/v1/admin/params/asset", admin, map[string]interface{}{"token": colToken.Hex(), "ltv_bps": 10_001})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/admin/params/asset", admin, map[string]interface{}{"token": colToken.Hex()})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/params/global", admin, map[string]interface{}{"grace_period_seconds": 7200})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	global, err := f.engine.GlobalParams()
	require.NoError(t, err)
	require.Equal(t, 2*time.Hour, global.GracePeriod)
	require.Equal(t, 24*time.Hour, global.MinBorrowDuration)

	rec = f.do(t, http.MethodPost, "/v1/admin/rate-model", admin, map[string]interface{}{"base_rate_per_day_bps": 1, "kink_bps": 0})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	tokenAdmin := signToken(t, testSecret, lp.Hex(), nativecommon.RoleTokenManager)
	rec = f.do(t, http.MethodDelete, "/v1/admin/tokens/borrow/"+usdToken.Hex(), tokenAdmin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/admin/tokens/borrow", tokenAdmin, map[string]string{"token": ethToken.Hex()})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestRateLimiterThrottles(t *testing.T) {
	f := newFixture(t, RateLimit{RequestsPerMinute: 1, Burst: 1})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/markets", "", nil).Code)
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/v1/markets", "", nil).Code)
	// Health checks sit outside the limited API.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func getFrom(t *testing.T, handler http.Handler, forwardedFor string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/markets", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiterIgnoresForwardingHeadersFromUntrustedPeers(t *testing.T) {
	f := newFixture(t, RateLimit{RequestsPerMinute: 1, Burst: 1})
	require.Equal(t, http.StatusOK, getFrom(t, f.handler, "203.0.113.1"))
	// Rotating the header does not buy a fresh bucket.
	require.Equal(t, http.StatusTooManyRequests, getFrom(t, f.handler, "203.0.113.2"))
}

func TestRateLimiterHonoursTrustedProxy(t *testing.T) {
	f := newFixture(t, RateLimit{RequestsPerMinute: 1, Burst: 1, TrustedProxies: []string{"192.0.2.0/24"}})
	require.Equal(t, http.StatusOK, getFrom(t, f.handler, "203.0.113.1"))
	require.Equal(t, http.StatusOK, getFrom(t, f.handler, "203.0.113.2, 192.0.2.1"))
	require.Equal(t, http.StatusTooManyRequests, getFrom(t, f.handler, "203.0.113.1"))
}

func TestParseTrustedProxies(t *testing.T) {
	networks, err := ParseTrustedProxies([]string{" 10.0.0.1 ", "", "172.16.0.0/12", "::1"})
	require.NoError(t, err)
	require.Len(t, networks, 3)
	require.True(t, networks[0].Contains(net.ParseIP("10.0.0.1")))
	require.False(t, networks[0].Contains(net.ParseIP("10.0.0.2")))
	require.True(t, networks[1].Contains(net.ParseIP("172.20.1.1")))
	require.True(t, networks[2].Contains(net.ParseIP("::1")))

	_, err = ParseTrustedProxies([]string{"proxy.local"})
	require.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/40"})
	require.Error(t, err)

	_, err = New(Config{Engine: newFixture(t, RateLimit{}).engine, RateLimit: RateLimit{TrustedProxies: []string{"nope"}}})
	require.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		lending.ErrAmountExceedsLimit:                         http.StatusUnprocessableEntity,
		fmt.Errorf("wrap: %w", lending.ErrLoanAlreadyActive):  http.StatusConflict,
		nativecommon.ErrUnauthorized:                          http.StatusForbidden,
		nativecommon.ErrModulePaused:                          http.StatusServiceUnavailable,
		pricing.ErrStaleData:                                  http.StatusServiceUnavailable,
		lending.ErrDurationOutOfBounds:                        http.StatusBadRequest,
		badRequest{fmt.Errorf("bad")}:                         http.StatusBadRequest,
		lending.ErrReentrantCall:                              http.StatusInternalServerError,
		fmt.Errorf("boom"):                                    http.StatusInternalServerError,
		context.DeadlineExceeded:                              http.StatusGatewayTimeout,
		fmt.Errorf("wrap: %w", bank.ErrInsufficientBalance):   http.StatusUnprocessableEntity,
		fmt.Errorf("wrap: %w", nativecommon.ErrNotRegistered): http.StatusNotFound,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(err), err.Error())
	}
}
