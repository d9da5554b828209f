package common

import (
	"context"
	"errors"
	"fmt"
)

var ErrModulePaused = errors.New("module paused")

// GlobalModule pauses every module guarded through a Pauses switch.
const GlobalModule = "global"

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}

type pauseStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Pauses is a persisted pause switch keyed by module name. A paused
// GlobalModule entry reports every module as paused.
type Pauses struct {
	store pauseStore
}

// NewPauses constructs a pause switch over the provided store.
func NewPauses(store pauseStore) *Pauses {
	return &Pauses{store: store}
}

func pauseKey(module string) []byte {
	return []byte("pause/" + module)
}

// IsPaused reports whether the module or the global switch is engaged. Read
// failures report paused so that a broken store never unlocks entry points.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil || p.store == nil {
		return false
	}
	for _, name := range []string{GlobalModule, module} {
		var paused bool
		ok, err := p.store.KVGet(pauseKey(name), &paused)
		if err != nil {
			return true
		}
		if ok && paused {
			return true
		}
	}
	return false
}

// Pause engages the switch for module. Requires RolePauser.
func (p *Pauses) Pause(ctx context.Context, module string) error {
	return p.set(ctx, module, true)
}

// Unpause releases the switch for module. Requires RolePauser.
func (p *Pauses) Unpause(ctx context.Context, module string) error {
	return p.set(ctx, module, false)
}

func (p *Pauses) set(ctx context.Context, module string, paused bool) error {
	if err := Require(ctx, RolePauser); err != nil {
		return err
	}
	if module == "" {
		return fmt.Errorf("pause: module required")
	}
	return p.store.KVPut(pauseKey(module), paused)
}
