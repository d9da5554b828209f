package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed-point precision of prices and USD values.
const PriceDecimals = 18

// Sample is a single upstream observation for a pair, expressed as quote
// units per base unit with PriceDecimals precision.
type Sample struct {
	Value     *big.Int
	Timestamp time.Time
}

// DataFeed exposes historical samples. DataBefore returns the most recent
// sample whose timestamp is at or before ts; the boolean reports whether one
// exists.
type DataFeed interface {
	DataBefore(ctx context.Context, base, quote string, ts time.Time) (Sample, bool, error)
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func pairKey(base, quote string) string {
	return normaliseSymbol(base) + "/" + normaliseSymbol(quote)
}

// ParseDecimal converts a decimal string such as "1.25" into a PriceDecimals
// fixed-point integer. Digits beyond the supported precision are truncated.
func ParseDecimal(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("pricing: value required")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("pricing: invalid value %q: %w", raw, err)
	}
	if !value.IsPositive() {
		return nil, fmt.Errorf("pricing: value must be positive")
	}
	return value.Shift(PriceDecimals).BigInt(), nil
}

// FormatDecimal renders a PriceDecimals fixed-point integer as a decimal
// string.
func FormatDecimal(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -PriceDecimals).String()
}

// ManualFeed keeps an in-memory sample history per pair. It backs tests and
// operator-driven deployments and lets callers retract disputed samples.
type ManualFeed struct {
	mu      sync.RWMutex
	history map[string][]Sample
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{history: make(map[string][]Sample)}
}

// Submit records value for the pair at ts, replacing any sample already
// recorded at exactly that timestamp.
func (m *ManualFeed) Submit(base, quote string, value *big.Int, ts time.Time) error {
	if value == nil || value.Sign() <= 0 {
		return fmt.Errorf("manual feed: value must be positive")
	}
	key := pairKey(base, quote)
	sample := Sample{Value: new(big.Int).Set(value), Timestamp: ts.UTC()}

	m.mu.Lock()
	defer m.mu.Unlock()
	samples := m.history[key]
	idx := sort.Search(len(samples), func(i int) bool { return !samples[i].Timestamp.Before(sample.Timestamp) })
	if idx < len(samples) && samples[idx].Timestamp.Equal(sample.Timestamp) {
		samples[idx] = sample
		return nil
	}
	samples = append(samples, Sample{})
	copy(samples[idx+1:], samples[idx:])
	samples[idx] = sample
	m.history[key] = samples
	return nil
}

// SubmitDecimal records a decimal string value such as "0.9998".
func (m *ManualFeed) SubmitDecimal(base, quote, value string, ts time.Time) error {
	parsed, err := ParseDecimal(value)
	if err != nil {
		return err
	}
	return m.Submit(base, quote, parsed, ts)
}

// Dispute removes the sample recorded at ts. It reports whether a sample was
// removed.
func (m *ManualFeed) Dispute(base, quote string, ts time.Time) bool {
	key := pairKey(base, quote)
	ts = ts.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	samples := m.history[key]
	for i := range samples {
		if samples[i].Timestamp.Equal(ts) {
			m.history[key] = append(samples[:i], samples[i+1:]...)
			return true
		}
	}
	return false
}

// DataBefore implements DataFeed.
func (m *ManualFeed) DataBefore(_ context.Context, base, quote string, ts time.Time) (Sample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	samples := m.history[pairKey(base, quote)]
	idx := sort.Search(len(samples), func(i int) bool { return samples[i].Timestamp.After(ts) })
	if idx == 0 {
		return Sample{}, false, nil
	}
	found := samples[idx-1]
	return Sample{Value: new(big.Int).Set(found.Value), Timestamp: found.Timestamp}, true, nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed queries a remote historical price service. The endpoint receives
// base, quote and before (unix seconds) query parameters and answers with
// {"found":true,"value":"1.0001","timestamp":1700000000}.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

type httpSample struct {
	Found     bool   `json:"found"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// NewHTTPFeed constructs a feed bound to endpoint. A nil client uses a
// default client with a short timeout.
func NewHTTPFeed(client HTTPDoer, endpoint, apiKey string) (*HTTPFeed, error) {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		return nil, fmt.Errorf("http feed: endpoint required")
	}
	if _, err := url.Parse(ep); err != nil {
		return nil, fmt.Errorf("http feed: invalid endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPFeed{client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey)}, nil
}

// DataBefore implements DataFeed.
func (f *HTTPFeed) DataBefore(ctx context.Context, base, quote string, ts time.Time) (Sample, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return Sample{}, false, err
	}
	values := url.Values{}
	values.Set("base", normaliseSymbol(base))
	values.Set("quote", normaliseSymbol(quote))
	values.Set("before", strconv.FormatInt(ts.Unix(), 10))
	req.URL.RawQuery = values.Encode()
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Sample{}, false, fmt.Errorf("http feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return Sample{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Sample{}, false, fmt.Errorf("http feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload httpSample
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Sample{}, false, fmt.Errorf("http feed: decode: %w", err)
	}
	if !payload.Found {
		return Sample{}, false, nil
	}
	value, err := ParseDecimal(payload.Value)
	if err != nil {
		return Sample{}, false, fmt.Errorf("http feed: %w", err)
	}
	observed := time.Unix(payload.Timestamp, 0).UTC()
	if observed.After(ts) {
		return Sample{}, false, fmt.Errorf("http feed: sample at %s is newer than requested %s", observed, ts.UTC())
	}
	return Sample{Value: value, Timestamp: observed}, true, nil
}
