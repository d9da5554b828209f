package state

import (
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"termlend/storage"
)

// ErrInvalidSnapshot is returned when reverting to a snapshot that no longer
// exists, either because it was already reverted past or because the journal
// was committed.
var ErrInvalidSnapshot = errors.New("state: invalid snapshot")

type dirtyValue struct {
	data    []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    dirtyValue
	hadPrev bool
}

// Manager layers an uncommitted write set over a key-value database. Reads
// observe pending writes, Snapshot/RevertToSnapshot unwind writes made after a
// checkpoint and Commit flushes the write set in a single batch.
type Manager struct {
	mu      sync.Mutex
	db      storage.Database
	dirty   map[string]dirtyValue
	journal []journalEntry
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, dirty: make(map[string]dirtyValue)}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores the RLP encoding of value under the supplied key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write(string(kvKey(key)), dirtyValue{data: encoded})
	return nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write(string(kvKey(key)), dirtyValue{deleted: true})
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	m.mu.Lock()
	pending, ok := m.dirty[string(hashed)]
	m.mu.Unlock()

	var data []byte
	if ok {
		if pending.deleted {
			return false, nil
		}
		data = pending.data
	} else {
		stored, err := m.db.Get(hashed)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		data = stored
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) write(key string, value dirtyValue) {
	prev, had := m.dirty[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, hadPrev: had})
	m.dirty[key] = value
}

// Snapshot returns an identifier for the current write set revision.
func (m *Manager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.journal)
}

// RevertToSnapshot undoes every write recorded after the snapshot was taken.
func (m *Manager) RevertToSnapshot(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id > len(m.journal) {
		return ErrInvalidSnapshot
	}
	for i := len(m.journal) - 1; i >= id; i-- {
		entry := m.journal[i]
		if entry.hadPrev {
			m.dirty[entry.key] = entry.prev
		} else {
			delete(m.dirty, entry.key)
		}
	}
	m.journal = m.journal[:id]
	return nil
}

// Commit writes all pending changes to the database atomically and resets the
// journal. Outstanding snapshot identifiers become invalid.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.dirty) == 0 {
		m.journal = nil
		return nil
	}
	batch := m.db.NewBatch()
	for key, value := range m.dirty {
		if value.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), value.data)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.dirty = make(map[string]dirtyValue)
	m.journal = nil
	return nil
}

// Pending reports the number of keys with uncommitted writes.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}
