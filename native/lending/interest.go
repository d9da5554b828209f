package lending

import (
	"context"
	"fmt"
	"math/big"
	"time"

	nativecommon "termlend/native/common"
)

// RateParams shape the kinked borrow rate curve. All values are basis points;
// BaseRatePerDayBPS, Slope1BPS and Slope2BPS are per day.
type RateParams struct {
	BaseRatePerDayBPS uint64
	Slope1BPS         uint64
	Slope2BPS         uint64
	KinkBPS           uint64
}

// Validate ensures the kink lies strictly inside the utilisation range.
func (p RateParams) Validate() error {
	if p.KinkBPS == 0 || p.KinkBPS >= BasisPoints {
		return fmt.Errorf("%w: kink must be between 1 and %d bps", ErrInvalidParameter, BasisPoints-1)
	}
	return nil
}

// RatePerDayBPS returns the daily rate at the supplied utilisation.
func (p RateParams) RatePerDayBPS(utilizationBPS uint64) *big.Int {
	rate := new(big.Int).SetUint64(p.BaseRatePerDayBPS)
	util := new(big.Int).SetUint64(utilizationBPS)
	kink := new(big.Int).SetUint64(p.KinkBPS)
	if utilizationBPS <= p.KinkBPS {
		return rate.Add(rate, mulDiv(util, new(big.Int).SetUint64(p.Slope1BPS), kink))
	}
	rate.Add(rate, new(big.Int).SetUint64(p.Slope1BPS))
	excess := util.Sub(util, kink)
	headroom := new(big.Int).Sub(basisPoints, kink)
	return rate.Add(rate, mulDiv(excess, new(big.Int).SetUint64(p.Slope2BPS), headroom))
}

// BorrowRateBPS returns the total interest, in bps of principal, owed over
// duration. Partial days are not charged.
func (p RateParams) BorrowRateBPS(duration time.Duration, utilizationBPS uint64) (uint64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if duration < 0 {
		return 0, fmt.Errorf("%w: negative duration", ErrInvalidParameter)
	}
	days := new(big.Int).SetInt64(int64(duration / (24 * time.Hour)))
	total := days.Mul(days, p.RatePerDayBPS(utilizationBPS))
	if !total.IsUint64() {
		return 0, fmt.Errorf("%w: borrow rate overflows", ErrInvalidParameter)
	}
	return total.Uint64(), nil
}

// UtilizationBPS returns totalDebt / (totalDebt + available) in bps, or zero
// when both are zero.
func UtilizationBPS(totalDebt, available *big.Int) uint64 {
	debt := cloneBig(totalDebt)
	denominator := new(big.Int).Add(debt, cloneBig(available))
	if denominator.Sign() <= 0 {
		return 0
	}
	util := mulDiv(debt, basisPoints, denominator)
	if util.Cmp(basisPoints) > 0 {
		return BasisPoints
	}
	return util.Uint64()
}

type rateStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var rateParamsKey = []byte("lending/rate-model/params")

// InterestRateModel is the persisted kinked rate curve. Each evaluation is a
// pure function of the stored parameters and its inputs.
type InterestRateModel struct {
	store rateStore
}

// NewInterestRateModel binds the model to its parameter store.
func NewInterestRateModel(store rateStore) *InterestRateModel {
	return &InterestRateModel{store: store}
}

// Params returns the stored curve. The boolean reports whether parameters
// have been configured.
func (m *InterestRateModel) Params() (RateParams, bool, error) {
	var params RateParams
	ok, err := m.store.KVGet(rateParamsKey, &params)
	if err != nil {
		return RateParams{}, false, err
	}
	return params, ok, nil
}

// SetParams replaces the curve. Requires the parameter-manager role.
func (m *InterestRateModel) SetParams(ctx context.Context, params RateParams) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleParameterManager); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	return m.store.KVPut(rateParamsKey, &params)
}

// BorrowRateBPS evaluates the stored curve.
func (m *InterestRateModel) BorrowRateBPS(duration time.Duration, utilizationBPS uint64) (uint64, error) {
	params, ok, err := m.Params()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrRateModelNotConfigured
	}
	return params.BorrowRateBPS(duration, utilizationBPS)
}
