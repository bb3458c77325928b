package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/ethereum/go-ethereum/common"

	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/pkg/types"
)

// Store persists the full pending collection of one address. Save replaces
// whatever was stored before.
type Store interface {
	Load(addr common.Address) ([]types.PendingContribution, error)
	Save(addr common.Address, entries []types.PendingContribution) error
	Close() error
}

// storedSet is the on-disk envelope
type storedSet struct {
	Version int                         `json:"version"`
	Address common.Address              `json:"address"`
	SavedAt time.Time                   `json:"saved_at"`
	Entries []types.PendingContribution `json:"entries"`
}

const storeVersion = 1

func encodeSet(addr common.Address, entries []types.PendingContribution) ([]byte, error) {
	if entries == nil {
		entries = []types.PendingContribution{}
	}
	data, err := json.MarshalIndent(storedSet{
		Version: storeVersion,
		Address: addr,
		SavedAt: time.Now().UTC(),
		Entries: entries,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending set: %w", err)
	}
	return data, nil
}

func decodeSet(addr common.Address, data []byte) ([]types.PendingContribution, error) {
	var set storedSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to decode pending set: %w", err)
	}
	if set.Address != (common.Address{}) && set.Address != addr {
		return nil, fmt.Errorf("pending set belongs to %s, not %s", set.Address.Hex(), addr.Hex())
	}
	for i := range set.Entries {
		e := &set.Entries[i]
		e.Address = addr
		if e.AmountWei == nil && e.AmountEth != "" {
			if wei, err := types.ParseEther(e.AmountEth); err == nil {
				e.AmountWei = wei
			}
		}
	}
	return set.Entries, nil
}

func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// FileStore keeps one JSON file per address, written atomically via temp file and rename
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create pending store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(addr common.Address) string {
	return filepath.Join(s.dir, "pending-"+addressKey(addr)+".json")
}

// Load returns the stored entries, or nothing if the address has no file yet
func (s *FileStore) Load(addr common.Address) ([]types.PendingContribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(addr))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending file: %w", err)
	}
	return decodeSet(addr, data)
}

// Save atomically replaces the address's file
func (s *FileStore) Save(addr common.Address, entries []types.PendingContribution) error {
	data, err := encodeSet(addr, entries)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(addr)
	tmpPath := target + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp pending file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write pending file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync pending file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close pending file: %w", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename pending file: %w", err)
	}

	logging.Debug("pending set saved",
		logging.Component("pending"),
		logging.Address(addr),
		"entries", len(entries),
		"path", target)
	return nil
}

func (s *FileStore) Close() error { return nil }

// BadgerStore keeps every address's set under one key in a badger database
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a badger database in dir
func NewBadgerStore(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(addr common.Address) []byte {
	return []byte("pending/" + addressKey(addr))
}

// Load returns the stored entries, or nothing if the key is absent
func (s *BadgerStore) Load(addr common.Address) ([]types.PendingContribution, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(addr))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending set: %w", err)
	}
	return decodeSet(addr, data)
}

// Save replaces the stored set; an empty set deletes the key
func (s *BadgerStore) Save(addr common.Address, entries []types.PendingContribution) error {
	if len(entries) == 0 {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(badgerKey(addr))
		})
		if err != nil {
			return fmt.Errorf("failed to delete pending set: %w", err)
		}
		return nil
	}

	data, err := encodeSet(addr, entries)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(addr), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write pending set: %w", err)
	}
	return nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps sets in memory. Used by mock mode and tests.
type MemoryStore struct {
	mu   sync.Mutex
	sets map[common.Address][]byte
	// FailSaves makes every Save fail, for exercising flush errors
	FailSaves bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[common.Address][]byte)}
}

func (m *MemoryStore) Load(addr common.Address) ([]types.PendingContribution, error) {
	m.mu.Lock()
	data, ok := m.sets[addr]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeSet(addr, data)
}

func (m *MemoryStore) Save(addr common.Address, entries []types.PendingContribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaves {
		return errors.New("memory store: save disabled")
	}
	data, err := encodeSet(addr, entries)
	if err != nil {
		return err
	}
	m.sets[addr] = data
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Open returns the store for a backend name ("file", "badger" or "memory")
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(dir)
	case "badger":
		return NewBadgerStore(filepath.Join(dir, "badger"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown pending store backend: %s", backend)
	}
}
