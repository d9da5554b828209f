package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// stateStore abstracts the subset of state manager functionality required by the
// token ledger.
type stateStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	ErrUnknownToken        = errors.New("bank: unknown token")
	ErrTokenExists         = errors.New("bank: token already registered")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrInvalidAddress      = errors.New("bank: invalid address")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrBalanceOverflow     = errors.New("bank: balance overflow")
)

// MaxDecimals bounds token precision so scaling factors stay well inside 256
// bits.
const MaxDecimals = 36

// Token describes a fungible asset known to the ledger.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

type storedToken struct {
	Symbol   string
	Decimals uint8
}

func tokenKey(token common.Address) []byte {
	return []byte(fmt.Sprintf("bank/token/%x", token.Bytes()))
}

func balanceKey(token, holder common.Address) []byte {
	return []byte(fmt.Sprintf("bank/balance/%x/%x", token.Bytes(), holder.Bytes()))
}

// Ledger tracks token balances and moves funds between holders and a single
// custody account owned by the lending protocol.
type Ledger struct {
	store   stateStore
	custody common.Address
}

// NewLedger constructs a ledger whose TransferIn/TransferOut settle against
// the custody address.
func NewLedger(store stateStore, custody common.Address) *Ledger {
	return &Ledger{store: store, custody: custody}
}

// Custody returns the address holding protocol funds.
func (l *Ledger) Custody() common.Address { return l.custody }

// RegisterToken records token metadata. Decimals are immutable afterwards.
func (l *Ledger) RegisterToken(token common.Address, symbol string, decimals uint8) error {
	if token == (common.Address{}) {
		return ErrInvalidAddress
	}
	if decimals > MaxDecimals {
		return fmt.Errorf("bank: decimals %d exceed maximum %d", decimals, MaxDecimals)
	}
	ok, err := l.store.KVGet(tokenKey(token), nil)
	if err != nil {
		return err
	}
	if ok {
		return ErrTokenExists
	}
	record := storedToken{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Decimals: decimals}
	return l.store.KVPut(tokenKey(token), &record)
}

// Token returns the metadata registered for token.
func (l *Ledger) Token(token common.Address) (Token, error) {
	var record storedToken
	ok, err := l.store.KVGet(tokenKey(token), &record)
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return Token{Address: token, Symbol: record.Symbol, Decimals: record.Decimals}, nil
}

// Decimals returns the native precision of token.
func (l *Ledger) Decimals(token common.Address) (uint8, error) {
	meta, err := l.Token(token)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}

// BalanceOf returns the balance held by holder.
func (l *Ledger) BalanceOf(token, holder common.Address) (*big.Int, error) {
	if _, err := l.Token(token); err != nil {
		return nil, err
	}
	return l.balance(token, holder)
}

func (l *Ledger) balance(token, holder common.Address) (*big.Int, error) {
	balance := new(big.Int)
	if _, err := l.store.KVGet(balanceKey(token, holder), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// Mint credits newly issued tokens to holder. Used for bootstrap and test
// funding.
func (l *Ledger) Mint(token, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrInvalidAddress
	}
	if _, err := l.Token(token); err != nil {
		return err
	}
	current, err := l.balance(token, to)
	if err != nil {
		return err
	}
	next, err := checkedAdd(current, amount)
	if err != nil {
		return err
	}
	return l.store.KVPut(balanceKey(token, to), next)
}

// TransferIn moves amount from the holder into custody.
func (l *Ledger) TransferIn(_ context.Context, token, from common.Address, amount *big.Int) error {
	return l.Transfer(token, from, l.custody, amount)
}

// TransferOut releases amount from custody to the recipient.
func (l *Ledger) TransferOut(_ context.Context, token, to common.Address, amount *big.Int) error {
	return l.Transfer(token, l.custody, to, amount)
}

// Transfer moves amount between two holders. Both balances are computed
// before either is written so a failure leaves no partial effect.
func (l *Ledger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrInvalidAddress
	}
	if _, err := l.Token(token); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	fromBal, err := l.balance(token, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal, amount)
	}
	toBal, err := l.balance(token, to)
	if err != nil {
		return err
	}
	nextTo, err := checkedAdd(toBal, amount)
	if err != nil {
		return err
	}
	nextFrom := new(big.Int).Sub(fromBal, amount)
	if err := l.store.KVPut(balanceKey(token, from), nextFrom); err != nil {
		return err
	}
	return l.store.KVPut(balanceKey(token, to), nextTo)
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func checkedAdd(balance, amount *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(balance, amount)
	if _, overflow := uint256.FromBig(sum); overflow {
		return nil, ErrBalanceOverflow
	}
	return sum, nil
}
