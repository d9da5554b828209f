package collateral

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "termlend/native/common"
)

var (
	ErrNotOwner               = errors.New("collateral: caller is not the owning lending core")
	ErrInvalidAmount          = errors.New("collateral: amount must be positive")
	ErrInsufficientCollateral = errors.New("collateral: insufficient collateral")
	ErrInvalidAddress         = errors.New("collateral: invalid address")
)

// stateStore abstracts the subset of state manager functionality required by the
// collateral ledger.
type stateStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

func balanceKey(user, token common.Address) []byte {
	return []byte(fmt.Sprintf("collateral/balance/%x/%x", user.Bytes(), token.Bytes()))
}

func totalKey(token common.Address) []byte {
	return []byte(fmt.Sprintf("collateral/total/%x", token.Bytes()))
}

// Manager is the per-user collateral ledger. Balances change only through
// Deposit and Withdraw issued by the owning core.
type Manager struct {
	store    stateStore
	owner    common.Address
	registry *nativecommon.AddressRegistry
}

// NewManager binds the ledger to its owning core. The owner cannot be
// changed afterwards.
func NewManager(store stateStore, owner common.Address) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("collateral: storage required")
	}
	if owner == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	return &Manager{
		store:    store,
		owner:    owner,
		registry: nativecommon.NewAddressRegistry(store, "collateral"),
	}, nil
}

// Owner returns the core allowed to move balances.
func (m *Manager) Owner() common.Address { return m.owner }

// Deposit credits amount of token to user.
func (m *Manager) Deposit(caller, user, token common.Address, amount *big.Int) error {
	if caller != m.owner {
		return ErrNotOwner
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := m.Balance(user, token)
	if err != nil {
		return err
	}
	total, err := m.Total(token)
	if err != nil {
		return err
	}
	if err := m.store.KVPut(balanceKey(user, token), balance.Add(balance, amount)); err != nil {
		return err
	}
	return m.store.KVPut(totalKey(token), total.Add(total, amount))
}

// Withdraw debits amount of token from user. It fails rather than underflow.
func (m *Manager) Withdraw(caller, user, token common.Address, amount *big.Int) error {
	if caller != m.owner {
		return ErrNotOwner
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := m.Balance(user, token)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientCollateral, balance, amount)
	}
	total, err := m.Total(token)
	if err != nil {
		return err
	}
	if total.Cmp(amount) < 0 {
		return fmt.Errorf("collateral: ledger total below user balance for %s", token.Hex())
	}
	balance.Sub(balance, amount)
	if balance.Sign() == 0 {
		if err := m.store.KVDelete(balanceKey(user, token)); err != nil {
			return err
		}
	} else if err := m.store.KVPut(balanceKey(user, token), balance); err != nil {
		return err
	}
	return m.store.KVPut(totalKey(token), total.Sub(total, amount))
}

// Balance returns the collateral user holds in token.
func (m *Manager) Balance(user, token common.Address) (*big.Int, error) {
	balance := new(big.Int)
	if _, err := m.store.KVGet(balanceKey(user, token), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// Total returns the ledger total for token across all users.
func (m *Manager) Total(token common.Address) (*big.Int, error) {
	total := new(big.Int)
	if _, err := m.store.KVGet(totalKey(token), total); err != nil {
		return nil, err
	}
	return total, nil
}

// AddCollateralToken registers token as accepted collateral. Requires the
// token-manager role.
func (m *Manager) AddCollateralToken(ctx context.Context, token common.Address) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleTokenManager); err != nil {
		return err
	}
	return m.registry.Add(token)
}

// RemoveCollateralToken stops accepting new deposits of token. Existing
// balances stay untouched. Requires the token-manager role.
func (m *Manager) RemoveCollateralToken(ctx context.Context, token common.Address) error {
	if err := nativecommon.Require(ctx, nativecommon.RoleTokenManager); err != nil {
		return err
	}
	return m.registry.Remove(token)
}

// IsSupported reports whether token is accepted as collateral.
func (m *Manager) IsSupported(token common.Address) (bool, error) {
	return m.registry.Contains(token)
}

// Tokens lists accepted collateral tokens.
func (m *Manager) Tokens() ([]common.Address, error) {
	return m.registry.List()
}
