package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// render writes payload as JSON or YAML, or calls table for the default
// human readable form.
func render(w io.Writer, format string, payload interface{}, table func(*tabwriter.Writer)) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	case "yaml":
		// Round-trip through JSON so field names match the API.
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(generic)
	case "", "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

// amount groups the digits of a base-unit integer string.
func amount(raw string) string {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return raw
	}
	return humanize.BigComma(value)
}

// usd renders an 18-decimal fixed point value as dollars and cents.
func usd(raw string) string {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return "$" + groupDecimal(value.Shift(-18).StringFixed(2))
}

// bps renders a basis point figure as a percentage.
func bps(value uint64) string {
	return decimal.NewFromInt(int64(value)).Shift(-2).StringFixed(2) + "%"
}

// healthFactor renders a bps health factor as a ratio. An empty or
// unparseable value is shown unchanged.
func healthFactor(raw string) string {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return value.Shift(-4).StringFixed(4)
}

func duration(seconds uint64) string {
	d := time.Duration(seconds) * time.Second
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	return d.String()
}

func relative(ts *time.Time) string {
	if ts == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", ts.UTC().Format(time.RFC3339), humanize.Time(*ts))
}

func groupDecimal(fixed string) string {
	whole, frac, _ := strings.Cut(fixed, ".")
	negative := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")
	value, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return fixed
	}
	out := humanize.BigComma(value)
	if negative {
		out = "-" + out
	}
	if frac != "" {
		out += "." + frac
	}
	return out
}
