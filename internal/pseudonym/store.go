package pseudonym

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

const storeBucketPseudonyms = "pseudonyms"

// Store persists created pseudonym mappings across restarts. Keys are
// scoped by bucket and domain.
type Store interface {
	Get(bucket, domain, key string) (value string, ok bool, err error)
	Put(bucket, domain, key, value string) error
	Close() error
}

// MemoryStore keeps mappings in process memory. It backs tests and
// deployments that want coalesced lookups without an on-disk file.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func memoryStoreKey(bucket, domain, key string) string {
	return bucket + "\x00" + domain + "\x00" + key
}

func (s *MemoryStore) Get(bucket, domain, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.entries[memoryStoreKey(bucket, domain, key)]
	return value, ok, nil
}

func (s *MemoryStore) Put(bucket, domain, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[memoryStoreKey(bucket, domain, key)] = value
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// BoltStore persists mappings in a bbolt file. Each top-level bucket holds
// one nested bucket per domain.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the store file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("pseudonym: opening store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(storeBucketPseudonyms))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pseudonym: initializing store %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(bucket, domain, key string) (string, bool, error) {
	var value string
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		if root == nil {
			return nil
		}
		scope := root.Bucket([]byte(domain))
		if scope == nil {
			return nil
		}
		if raw := scope.Get([]byte(key)); raw != nil {
			value, ok = string(raw), true
		}
		return nil
	})
	return value, ok, err
}

func (s *BoltStore) Put(bucket, domain, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucket))
		if root == nil {
			return fmt.Errorf("pseudonym: store bucket %s missing", bucket)
		}
		scope, err := root.CreateBucketIfNotExists([]byte(domain))
		if err != nil {
			return err
		}
		return scope.Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }
