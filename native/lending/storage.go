package lending

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// stateStore abstracts the subset of state manager functionality required by the
// lending engine.
type stateStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Snapshotter provides the all-or-nothing boundary around each operation.
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int) error
	Commit() error
}

var globalParamsKey = []byte("lending/params/global")

func loanKey(user, collateral common.Address) []byte {
	return []byte(fmt.Sprintf("lending/loan/%x/%x", user.Bytes(), collateral.Bytes()))
}

func assetParamsKey(token common.Address) []byte {
	return []byte(fmt.Sprintf("lending/params/asset/%x", token.Bytes()))
}

func totalDebtKey(token common.Address) []byte {
	return []byte(fmt.Sprintf("lending/debt/%x", token.Bytes()))
}

func liquidityKey(token common.Address) []byte {
	return []byte(fmt.Sprintf("lending/liquidity/%x", token.Bytes()))
}

func liquidatedKey(token common.Address) []byte {
	return []byte(fmt.Sprintf("lending/liquidated/%x", token.Bytes()))
}

type storedLoan struct {
	Principal       *big.Int
	InterestAccrued *big.Int
	RepaidAmount    *big.Int
	TotalLiquidated *big.Int
	BorrowToken     common.Address
	StartTime       uint64
	DueDate         uint64
	Active          bool
}

type storedGlobalParams struct {
	MinBorrowDurationSeconds uint64
	MaxBorrowDurationSeconds uint64
	GracePeriodSeconds       uint64
}

func (e *Engine) loadLoan(user, collateral common.Address) (*Loan, error) {
	var record storedLoan
	ok, err := e.store.KVGet(loanKey(user, collateral), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return emptyLoan(), nil
	}
	return &Loan{
		Principal:       cloneBig(record.Principal),
		InterestAccrued: cloneBig(record.InterestAccrued),
		RepaidAmount:    cloneBig(record.RepaidAmount),
		TotalLiquidated: cloneBig(record.TotalLiquidated),
		BorrowToken:     record.BorrowToken,
		StartTime:       time.Unix(int64(record.StartTime), 0).UTC(),
		DueDate:         time.Unix(int64(record.DueDate), 0).UTC(),
		Active:          record.Active,
	}, nil
}

// storeLoan persists the loan, deleting the record once it is fully repaid so
// a cleared loan is indistinguishable from one that never existed.
func (e *Engine) storeLoan(user, collateral common.Address, loan *Loan) (cleared bool, err error) {
	if loan.RepaidAmount.Cmp(loan.TotalObligation()) > 0 {
		return false, fmt.Errorf("lending engine: repaid amount exceeds obligation")
	}
	if loan.RepaidAmount.Cmp(loan.TotalObligation()) == 0 {
		return true, e.store.KVDelete(loanKey(user, collateral))
	}
	record := storedLoan{
		Principal:       loan.Principal,
		InterestAccrued: loan.InterestAccrued,
		RepaidAmount:    loan.RepaidAmount,
		TotalLiquidated: loan.TotalLiquidated,
		BorrowToken:     loan.BorrowToken,
		StartTime:       uint64(loan.StartTime.Unix()),
		DueDate:         uint64(loan.DueDate.Unix()),
		Active:          loan.Active,
	}
	return false, e.store.KVPut(loanKey(user, collateral), &record)
}

func (e *Engine) loadAmount(key []byte) (*big.Int, error) {
	value := new(big.Int)
	if _, err := e.store.KVGet(key, value); err != nil {
		return nil, err
	}
	return value, nil
}

func (e *Engine) addAmount(key []byte, delta *big.Int) error {
	value, err := e.loadAmount(key)
	if err != nil {
		return err
	}
	return e.store.KVPut(key, value.Add(value, delta))
}

func (e *Engine) subAmount(key []byte, delta *big.Int, insufficient error) error {
	value, err := e.loadAmount(key)
	if err != nil {
		return err
	}
	if value.Cmp(delta) < 0 {
		return fmt.Errorf("%w: have %s, need %s", insufficient, value, delta)
	}
	return e.store.KVPut(key, value.Sub(value, delta))
}

func (e *Engine) loadAssetParams(token common.Address) (AssetParams, error) {
	var params AssetParams
	if _, err := e.store.KVGet(assetParamsKey(token), &params); err != nil {
		return AssetParams{}, err
	}
	params.MinBorrow = cloneBig(params.MinBorrow)
	params.MaxBorrow = cloneBig(params.MaxBorrow)
	return params, nil
}

func (e *Engine) storeAssetParams(token common.Address, params AssetParams) error {
	params.MinBorrow = cloneBig(params.MinBorrow)
	params.MaxBorrow = cloneBig(params.MaxBorrow)
	return e.store.KVPut(assetParamsKey(token), &params)
}

func (e *Engine) loadGlobalParams() (GlobalParams, error) {
	var record storedGlobalParams
	if _, err := e.store.KVGet(globalParamsKey, &record); err != nil {
		return GlobalParams{}, err
	}
	return GlobalParams{
		MinBorrowDuration: time.Duration(record.MinBorrowDurationSeconds) * time.Second,
		MaxBorrowDuration: time.Duration(record.MaxBorrowDurationSeconds) * time.Second,
		GracePeriod:       time.Duration(record.GracePeriodSeconds) * time.Second,
	}, nil
}

func (e *Engine) storeGlobalParams(params GlobalParams) error {
	record := storedGlobalParams{
		MinBorrowDurationSeconds: uint64(params.MinBorrowDuration / time.Second),
		MaxBorrowDurationSeconds: uint64(params.MaxBorrowDuration / time.Second),
		GracePeriodSeconds:       uint64(params.GracePeriod / time.Second),
	}
	return e.store.KVPut(globalParamsKey, &record)
}
