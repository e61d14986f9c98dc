package store

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// record is the on-disk representation of one key, matching the generic
// hierarchical key-value model rather than typed per-entity
// buckets: the store itself knows nothing about Nodes or Domains, only
// paths and versions.
type record struct {
	Data      string    `json:"data"`
	Version   int64     `json:"version"`
	Ephemeral bool      `json:"ephemeral,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// kvStore is the bbolt-backed table the FSM applies committed writes into:
// one bucket, JSON-encoded values, opened once at daemon start.
type kvStore struct {
	db *bolt.DB
}

func openKVStore(dbPath string) (*kvStore, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	return &kvStore{db: db}, nil
}

func (s *kvStore) close() error { return s.db.Close() }

func (s *kvStore) get(key string) (record, bool, error) {
	var rec record
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec, found, err
}

func (s *kvStore) put(key string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
}

func (s *kvStore) delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

// children returns the direct child names of key (one path segment below),
// derived from a prefix scan rather than a maintained index, the way a flat
// KV store would; Domain/Network/Node cardinalities are small enough that
// this is cheap.
func (s *kvStore) children(key string) ([]string, error) {
	prefix := strings.TrimSuffix(key, "/") + "/"
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			rest := strings.TrimPrefix(string(k), prefix)
			name, _, _ := strings.Cut(rest, "/")
			if name != "" {
				seen[name] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// expiredEphemeral scans for ephemeral records past their TTL. Called only
// by the reaper goroutine running on the raft leader.
func (s *kvStore) expiredEphemeral(now time.Time) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.Ephemeral && !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	return keys, err
}

func joinKey(parent, child string) string {
	return path.Join(parent, child)
}

// forEach walks every key/record pair. Used only by FSM.Snapshot.
func (s *kvStore) forEach(fn func(key string, rec record) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			return fn(string(k), rec)
		})
	})
}
