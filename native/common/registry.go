package common

import (
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAddress     = errors.New("registry: invalid address")
	ErrAlreadyRegistered  = errors.New("registry: address already registered")
	ErrNotRegistered      = errors.New("registry: address not registered")
	errRegistryCorruption = errors.New("registry: index out of range")
)

type registryStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// AddressRegistry keeps an ordered list of addresses together with a
// membership index. Removal swaps the last element into the vacated slot so
// order among the remaining entries is not preserved.
type AddressRegistry struct {
	store  registryStore
	prefix string
}

// NewAddressRegistry binds a registry to the given namespace within store.
func NewAddressRegistry(store registryStore, namespace string) *AddressRegistry {
	return &AddressRegistry{store: store, prefix: "registry/" + namespace + "/"}
}

func (r *AddressRegistry) listKey() []byte {
	return []byte(r.prefix + "list")
}

func (r *AddressRegistry) memberKey(addr ethcommon.Address) []byte {
	return []byte(fmt.Sprintf("%smember/%x", r.prefix, addr.Bytes()))
}

// List returns the registered addresses in storage order.
func (r *AddressRegistry) List() ([]ethcommon.Address, error) {
	var list []ethcommon.Address
	if _, err := r.store.KVGet(r.listKey(), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Contains reports whether addr is registered.
func (r *AddressRegistry) Contains(addr ethcommon.Address) (bool, error) {
	var slot uint64
	ok, err := r.store.KVGet(r.memberKey(addr), &slot)
	if err != nil {
		return false, err
	}
	return ok && slot > 0, nil
}

// Add appends addr to the registry.
func (r *AddressRegistry) Add(addr ethcommon.Address) error {
	if addr == (ethcommon.Address{}) {
		return ErrInvalidAddress
	}
	member, err := r.Contains(addr)
	if err != nil {
		return err
	}
	if member {
		return ErrAlreadyRegistered
	}
	list, err := r.List()
	if err != nil {
		return err
	}
	list = append(list, addr)
	if err := r.store.KVPut(r.listKey(), list); err != nil {
		return err
	}
	// Slots are stored one-based so the zero value means absent.
	return r.store.KVPut(r.memberKey(addr), uint64(len(list)))
}

// Remove deletes addr in constant time by moving the last entry into its slot.
func (r *AddressRegistry) Remove(addr ethcommon.Address) error {
	var slot uint64
	ok, err := r.store.KVGet(r.memberKey(addr), &slot)
	if err != nil {
		return err
	}
	if !ok || slot == 0 {
		return ErrNotRegistered
	}
	list, err := r.List()
	if err != nil {
		return err
	}
	idx := int(slot - 1)
	if idx >= len(list) {
		return errRegistryCorruption
	}
	last := len(list) - 1
	if idx != last {
		moved := list[last]
		list[idx] = moved
		if err := r.store.KVPut(r.memberKey(moved), uint64(idx+1)); err != nil {
			return err
		}
	}
	list = list[:last]
	if err := r.store.KVPut(r.listKey(), list); err != nil {
		return err
	}
	return r.store.KVDelete(r.memberKey(addr))
}
