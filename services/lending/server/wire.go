package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"termlend/core/pricing"
	"termlend/native/lending"
)

const requestLimit = 1 << 20 // 1 MiB

// Amounts travel as base-unit integer strings; prices and USD values as
// 18-decimal fixed-point integer strings alongside a human readable decimal.

type amountRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type borrowRequest struct {
	BorrowToken     string `json:"borrow_token"`
	CollateralToken string `json:"collateral_token"`
	Amount          string `json:"amount"`
	DurationSeconds uint64 `json:"duration_seconds"`
}

type repayRequest struct {
	CollateralToken string `json:"collateral_token"`
	Amount          string `json:"amount"`
}

type liquidateRequest struct {
	User            string `json:"user"`
	CollateralToken string `json:"collateral_token"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type feedRequest struct {
	Token string `json:"token"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

type sampleRequest struct {
	Base      string     `json:"base"`
	Quote     string     `json:"quote"`
	Price     string     `json:"price"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type assetParamsRequest struct {
	Token                 string  `json:"token"`
	LTVBPS                *uint64 `json:"ltv_bps,omitempty"`
	LiquidationPenaltyBPS *uint64 `json:"liquidation_penalty_bps,omitempty"`
	MinBorrow             *string `json:"min_borrow,omitempty"`
	MaxBorrow             *string `json:"max_borrow,omitempty"`
}

type globalParamsRequest struct {
	MinBorrowDurationSeconds *uint64 `json:"min_borrow_duration_seconds,omitempty"`
	MaxBorrowDurationSeconds *uint64 `json:"max_borrow_duration_seconds,omitempty"`
	GracePeriodSeconds       *uint64 `json:"grace_period_seconds,omitempty"`
}

type rateModelRequest struct {
	BaseRatePerDayBPS uint64 `json:"base_rate_per_day_bps"`
	Slope1BPS         uint64 `json:"slope1_bps"`
	Slope2BPS         uint64 `json:"slope2_bps"`
	KinkBPS           uint64 `json:"kink_bps"`
}

// LoanResponse describes a single position.
type LoanResponse struct {
	User              string     `json:"user"`
	CollateralToken   string     `json:"collateral_token"`
	CollateralBalance string     `json:"collateral_balance"`
	Active            bool       `json:"active"`
	BorrowToken       string     `json:"borrow_token,omitempty"`
	Principal         string     `json:"principal"`
	Interest          string     `json:"interest"`
	Repaid            string     `json:"repaid"`
	Remaining         string     `json:"remaining"`
	TotalLiquidated   string     `json:"total_liquidated"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
}

// MarketResponse summarises one listed token.
type MarketResponse struct {
	Token                 string `json:"token"`
	Borrowable            bool   `json:"borrowable"`
	Collateral            bool   `json:"collateral"`
	LTVBPS                uint64 `json:"ltv_bps"`
	LiquidationPenaltyBPS uint64 `json:"liquidation_penalty_bps"`
	MinBorrow             string `json:"min_borrow"`
	MaxBorrow             string `json:"max_borrow"`
	Liquidity             string `json:"liquidity"`
	TotalDebt             string `json:"total_debt"`
	UtilizationBPS        uint64 `json:"utilization_bps"`
	LiquidatedCollateral  string `json:"liquidated_collateral"`
}

// MarketsResponse lists every market plus protocol wide settings.
type MarketsResponse struct {
	Paused                   bool             `json:"paused"`
	MinBorrowDurationSeconds uint64           `json:"min_borrow_duration_seconds"`
	MaxBorrowDurationSeconds uint64           `json:"max_borrow_duration_seconds"`
	GracePeriodSeconds       uint64           `json:"grace_period_seconds"`
	Markets                  []MarketResponse `json:"markets"`
}

// QuoteResponse previews a borrow.
type QuoteResponse struct {
	UtilizationBPS          uint64 `json:"utilization_bps"`
	RateBPS                 uint64 `json:"rate_bps"`
	CollateralValueUSD      string `json:"collateral_value_usd"`
	MaxBorrowBeforeInterest string `json:"max_borrow_before_interest"`
	MaxBorrowAfterInterest  string `json:"max_borrow_after_interest"`
}

// HealthResponse reports a position's health factor in bps.
type HealthResponse struct {
	HealthFactor string `json:"health_factor"`
	Liquidatable bool   `json:"liquidatable"`
}

// PriceResponse reports the oracle price of one whole token.
type PriceResponse struct {
	Token   string `json:"token"`
	Price   string `json:"price"`
	Decimal string `json:"decimal"`
}

// LiquidationResponse reports the outcome of a liquidation.
type LiquidationResponse struct {
	RepaidAmount string `json:"repaid_amount"`
	RepaidUSD    string `json:"repaid_usd"`
	SeizedAmount string `json:"seized_amount"`
	HealthFactor string `json:"health_factor"`
	Matured      bool   `json:"matured"`
	LoanCleared  bool   `json:"loan_cleared"`
}

func decodeRequest(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return badRequest{errors.New("missing request body")}
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest{errors.New("request body is empty")}
		}
		return badRequest{fmt.Errorf("decode request: %w", err)}
	}
	return nil
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, badRequest{fmt.Errorf("%s: invalid address %q", field, raw)}
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, badRequest{fmt.Errorf("%s: invalid amount %q", field, raw)}
	}
	return value, nil
}

// maxSeconds is the largest whole-second count a time.Duration can hold.
const maxSeconds = uint64(math.MaxInt64 / int64(time.Second))

func seconds(field string, v uint64) (time.Duration, error) {
	if v > maxSeconds {
		return 0, badRequest{fmt.Errorf("%s: %d seconds exceeds the supported maximum of %d", field, v, maxSeconds)}
	}
	return time.Duration(v) * time.Second, nil
}

func newLoanResponse(user, collateralToken common.Address, balance *big.Int, loan *lending.Loan) LoanResponse {
	resp := LoanResponse{
		User:              user.Hex(),
		CollateralToken:   collateralToken.Hex(),
		CollateralBalance: balance.String(),
		Active:            loan.Active,
		Principal:         loan.Principal.String(),
		Interest:          loan.InterestAccrued.String(),
		Repaid:            loan.RepaidAmount.String(),
		Remaining:         loan.RemainingDebt().String(),
		TotalLiquidated:   loan.TotalLiquidated.String(),
	}
	if loan.Active {
		start, due := loan.StartTime, loan.DueDate
		resp.BorrowToken = loan.BorrowToken.Hex()
		resp.StartTime = &start
		resp.DueDate = &due
	}
	return resp
}

func newMarketResponse(m lending.Market) MarketResponse {
	return MarketResponse{
		Token:                 m.Token.Hex(),
		Borrowable:            m.Borrowable,
		Collateral:            m.Collateral,
		LTVBPS:                m.Params.LTVBPS,
		LiquidationPenaltyBPS: m.Params.LiquidationPenaltyBPS,
		MinBorrow:             m.Params.MinBorrow.String(),
		MaxBorrow:             m.Params.MaxBorrow.String(),
		Liquidity:             m.Liquidity.String(),
		TotalDebt:             m.TotalDebt.String(),
		UtilizationBPS:        m.UtilizationBPS,
		LiquidatedCollateral:  m.LiquidatedCollateral.String(),
	}
}

func newPriceResponse(token common.Address, price *big.Int) PriceResponse {
	return PriceResponse{
		Token:   token.Hex(),
		Price:   price.String(),
		Decimal: pricing.FormatDecimal(price),
	}
}

func newLiquidationResponse(result *lending.LiquidationResult) LiquidationResponse {
	return LiquidationResponse{
		RepaidAmount: result.RepaidAmount.String(),
		RepaidUSD:    result.RepaidUSD.String(),
		SeizedAmount: result.SeizedAmount.String(),
		HealthFactor: result.HealthFactor.String(),
		Matured:      result.Matured,
		LoanCleared:  result.LoanCleared,
	}
}
