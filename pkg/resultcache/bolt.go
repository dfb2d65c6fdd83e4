package resultcache

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/flowrunner/pkg/state"
)

var bucketResults = []byte("task_results")

// BoltCache is a durable cache backend for Task.CacheKey results, grounded
// on the teacher orchestrator's BoltDB-backed store but scoped narrowly to
// the cache_for/cached_result concern (spec §4.3 step 6) rather than the
// out-of-scope workflow-definition/execution-history REST store the
// teacher built around the same database.
type BoltCache struct {
	db *bbolt.DB
}

type boltEntry struct {
	Kind      state.Kind      `json:"kind"`
	Message   string          `json:"message"`
	Result    json.RawMessage `json:"result,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// NewBoltCache opens (creating if necessary) a BoltDB file at path and
// prepares the results bucket.
func NewBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResults)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create results bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

// Close closes the underlying BoltDB file.
func (c *BoltCache) Close() error {
	return c.db.Close()
}

// Get returns the cached State for key, if present and not expired. A
// decode failure is treated as a cache miss rather than an error — a
// corrupt entry shouldn't fail task dispatch.
func (c *BoltCache) Get(key string) (state.State, bool) {
	var entry boltEntry
	found := false

	_ = c.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResults)
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})

	if !found || time.Now().After(entry.ExpiresAt) {
		return state.State{}, false
	}

	var result any
	if len(entry.Result) > 0 {
		_ = json.Unmarshal(entry.Result, &result)
	}
	return state.State{Kind: entry.Kind, Message: entry.Message, Result: result}, true
}

// Put stores s under key with the given TTL. A result that can't be
// JSON-marshaled is stored without its Result payload rather than failing
// the write — the Cached state's Message/Kind still round-trip.
func (c *BoltCache) Put(key string, s state.State, ttl time.Duration) {
	resultJSON, _ := json.Marshal(s.Result)
	entry := boltEntry{
		Kind:      s.Kind,
		Message:   s.Message,
		Result:    resultJSON,
		ExpiresAt: time.Now().Add(ttl),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(key), data)
	})
}

var _ Cache = (*BoltCache)(nil)
var _ Cache = (*MemoryCache)(nil)
