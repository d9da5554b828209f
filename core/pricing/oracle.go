package pricing

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

var (
	ErrFeedNotConfigured = errors.New("oracle: feed not configured")
	ErrFeedAlreadySet    = errors.New("oracle: feed already set")
	ErrFeedNotSet        = errors.New("oracle: feed not set")
	ErrInvalidPrice      = errors.New("oracle: invalid price")
	ErrStaleData         = errors.New("oracle: stale data")
	ErrInvalidPair       = errors.New("oracle: invalid pair")
	ErrInvalidAmount     = errors.New("oracle: invalid amount")
)

// stateStore abstracts the subset of state manager functionality required by the
// oracle for feed registrations and the price cache.
type stateStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// DecimalsSource resolves a token's native precision.
type DecimalsSource interface {
	Decimals(token common.Address) (uint8, error)
}

// OracleConfig controls the dispute buffer, averaging window and cache
// behaviour of the oracle.
type OracleConfig struct {
	// DisputeBuffer is the minimum age a sample must reach before it is used.
	DisputeBuffer time.Duration
	// Window is the span averaged by the TWAP, ending at now-DisputeBuffer.
	Window time.Duration
	// SampleStep is the spacing between lookups within the window.
	SampleStep time.Duration
	// RefreshInterval bounds how long a computed price is reused.
	RefreshInterval time.Duration
	// StaleAfter is the maximum age of the newest sample behind a price.
	StaleAfter time.Duration
}

// DefaultOracleConfig returns the production defaults.
func DefaultOracleConfig() OracleConfig {
	return OracleConfig{
		DisputeBuffer:   20 * time.Minute,
		Window:          time.Hour,
		SampleStep:      5 * time.Minute,
		RefreshInterval: 10 * time.Minute,
		StaleAfter:      4 * time.Hour,
	}
}

// Validate ensures the timings are usable.
func (c OracleConfig) Validate() error {
	if c.DisputeBuffer < 0 {
		return fmt.Errorf("oracle: dispute buffer must not be negative")
	}
	if c.Window <= 0 || c.SampleStep <= 0 {
		return fmt.Errorf("oracle: window and sample step must be positive")
	}
	if c.SampleStep > c.Window {
		return fmt.Errorf("oracle: sample step %s exceeds window %s", c.SampleStep, c.Window)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("oracle: refresh interval must not be negative")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("oracle: staleness ceiling must be positive")
	}
	return nil
}

// FeedPair identifies the upstream (base, quote) pair priced for a token.
type FeedPair struct {
	Base  string
	Quote string
}

type storedCache struct {
	Price       *big.Int
	SampleTime  uint64
	RefreshedAt uint64
}

func feedKey(token common.Address) []byte {
	return []byte(fmt.Sprintf("oracle/feed/%x", token.Bytes()))
}

func cacheKey(token common.Address) []byte {
	return []byte(fmt.Sprintf("oracle/cache/%x", token.Bytes()))
}

// Oracle converts token amounts into 18-decimal USD values using a TWAP of
// samples older than the dispute buffer. Price lookups write the cache, so
// Price, Value and Amount are not read-only.
type Oracle struct {
	mu       sync.Mutex
	cfg      OracleConfig
	feed     DataFeed
	decimals DecimalsSource
	store    stateStore
	nowFn    func() time.Time
	logger   *slog.Logger
	metrics  *observability.OracleMetrics
}

// NewOracle constructs an oracle reading samples from feed.
func NewOracle(cfg OracleConfig, feed DataFeed, decimals DecimalsSource, store stateStore) (*Oracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if feed == nil {
		return nil, fmt.Errorf("oracle: data feed required")
	}
	if decimals == nil {
		return nil, fmt.Errorf("oracle: decimals source required")
	}
	if store == nil {
		return nil, fmt.Errorf("oracle: storage required")
	}
	return &Oracle{
		cfg:      cfg,
		feed:     feed,
		decimals: decimals,
		store:    store,
		nowFn:    time.Now,
		logger:   slog.Default(),
		metrics:  observability.Oracle(),
	}, nil
}

// SetNowFunc overrides the clock. Primarily leveraged in tests.
func (o *Oracle) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	o.mu.Lock()
	o.nowFn = now
	o.mu.Unlock()
}

// SetLogger replaces the logger.
func (o *Oracle) SetLogger(logger *slog.Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// Config returns the oracle timings.
func (o *Oracle) Config() OracleConfig { return o.cfg }

// SetFeed registers the (base, quote) pair priced for token. Requires the
// parameter-manager role.
func (o *Oracle) SetFeed(ctx context.Context, token common.Address, base, quote string) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleParameterManager); err != nil {
		return err
	}
	if token == (common.Address{}) {
		return nativecommon.ErrInvalidAddress
	}
	pair := FeedPair{Base: normaliseSymbol(base), Quote: normaliseSymbol(quote)}
	if pair.Base == "" || pair.Quote == "" {
		return ErrInvalidPair
	}
	_, ok, err := o.Feed(token)
	if err != nil {
		return err
	}
	if ok {
		return ErrFeedAlreadySet
	}
	return o.store.KVPut(feedKey(token), &pair)
}

// RemoveFeed clears the pair registered for token together with its cached
// price. Requires the parameter-manager role.
func (o *Oracle) RemoveFeed(ctx context.Context, token common.Address) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleParameterManager); err != nil {
		return err
	}
	_, ok, err := o.Feed(token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrFeedNotSet
	}
	if err := o.store.KVDelete(feedKey(token)); err != nil {
		return err
	}
	return o.store.KVDelete(cacheKey(token))
}

// Feed returns the pair registered for token.
func (o *Oracle) Feed(token common.Address) (FeedPair, bool, error) {
	var pair FeedPair
	ok, err := o.store.KVGet(feedKey(token), &pair)
	if err != nil {
		return FeedPair{}, false, err
	}
	return pair, ok, nil
}

// Price returns the USD price of one whole token with PriceDecimals precision.
func (o *Oracle) Price(ctx context.Context, token common.Address) (*big.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price, result, err := o.price(ctx, token)
	if err != nil {
		result = "error"
	}
	o.metrics.ObserveLookup(token.Hex(), result)
	return price, err
}

// Value converts a native-decimal token amount into an 18-decimal USD value.
func (o *Oracle) Value(ctx context.Context, token common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	price, err := o.Price(ctx, token)
	if err != nil {
		return nil, err
	}
	scale, err := o.scale(token)
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Mul(amount, price)
	return value.Quo(value, scale), nil
}

// Amount converts an 18-decimal USD value into the token's native amount.
func (o *Oracle) Amount(ctx context.Context, token common.Address, value *big.Int) (*big.Int, error) {
	if value == nil || value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	price, err := o.Price(ctx, token)
	if err != nil {
		return nil, err
	}
	scale, err := o.scale(token)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Mul(value, scale)
	return amount.Quo(amount, price), nil
}

func (o *Oracle) scale(token common.Address) (*big.Int, error) {
	decimals, err := o.decimals.Decimals(token)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil), nil
}

func (o *Oracle) price(ctx context.Context, token common.Address) (*big.Int, string, error) {
	pair, ok, err := o.Feed(token)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrFeedNotConfigured, token.Hex())
	}
	now := o.nowFn().UTC()

	var cached storedCache
	hasCache, err := o.store.KVGet(cacheKey(token), &cached)
	if err != nil {
		return nil, "", err
	}
	if hasCache && cached.Price != nil {
		refreshed := time.Unix(int64(cached.RefreshedAt), 0)
		if age := now.Sub(refreshed); age >= 0 && age < o.cfg.RefreshInterval {
			if err := o.checkFresh(now, time.Unix(int64(cached.SampleTime), 0)); err != nil {
				return nil, "", err
			}
			return new(big.Int).Set(cached.Price), "cache_hit", nil
		}
	}

	twap, newest, err := o.twap(ctx, pair, now)
	if err != nil {
		return nil, "", err
	}

	// Never regress to an older observation: if disputes removed the samples
	// behind the cached entry's newest point, keep serving the cached price.
	if hasCache && cached.Price != nil && uint64(newest.Unix()) < cached.SampleTime {
		o.logger.Warn("oracle sample regressed behind cache",
			slog.String("token", token.Hex()),
			slog.Time("cached_sample", time.Unix(int64(cached.SampleTime), 0).UTC()),
			slog.Time("recomputed_sample", newest))
		if err := o.checkFresh(now, time.Unix(int64(cached.SampleTime), 0)); err != nil {
			return nil, "", err
		}
		return new(big.Int).Set(cached.Price), "cache_retained", nil
	}

	if err := o.checkFresh(now, newest); err != nil {
		return nil, "", err
	}
	entry := storedCache{Price: twap, SampleTime: uint64(newest.Unix()), RefreshedAt: uint64(now.Unix())}
	if err := o.store.KVPut(cacheKey(token), &entry); err != nil {
		return nil, "", err
	}
	return new(big.Int).Set(twap), "recompute", nil
}

// twap walks backwards from now-DisputeBuffer in SampleStep increments across
// Window and averages every sample found.
func (o *Oracle) twap(ctx context.Context, pair FeedPair, now time.Time) (*big.Int, time.Time, error) {
	end := now.Add(-o.cfg.DisputeBuffer)
	start := end.Add(-o.cfg.Window)
	sum := new(big.Int)
	count := int64(0)
	var newest time.Time
	for ts := end; ts.After(start); ts = ts.Add(-o.cfg.SampleStep) {
		sample, ok, err := o.feed.DataBefore(ctx, pair.Base, pair.Quote, ts)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("oracle: fetch %s/%s: %w", pair.Base, pair.Quote, err)
		}
		if !ok || sample.Value == nil || sample.Value.Sign() <= 0 {
			continue
		}
		sum.Add(sum, sample.Value)
		count++
		if sample.Timestamp.After(newest) {
			newest = sample.Timestamp.UTC()
		}
	}
	if count == 0 || sum.Sign() == 0 {
		return nil, time.Time{}, ErrInvalidPrice
	}
	avg := sum.Quo(sum, big.NewInt(count))
	if avg.Sign() == 0 {
		return nil, time.Time{}, ErrInvalidPrice
	}
	return avg, newest, nil
}

func (o *Oracle) checkFresh(now, sampleTime time.Time) error {
	if now.Sub(sampleTime) > o.cfg.StaleAfter {
		return fmt.Errorf("%w: newest sample at %s", ErrStaleData, sampleTime.UTC().Format(time.RFC3339))
	}
	return nil
}
