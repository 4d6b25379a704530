package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConfig    = []byte("config")
	bucketSnapshots = []byte("cluster_snapshots")
	bucketSpool     = []byte("spool_index")
	configKey       = []byte("scheduler")
)

// BoltStore is a go.etcd.io/bbolt-backed Store, adapted from the teacher's
// pkg/storage/boltdb.go bucket-per-entity convention.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the scheduler's bbolt database
// under destPrefix.
func NewBoltStore(destPrefix string) (*BoltStore, error) {
	dbPath := filepath.Join(destPrefix, "jobmesh.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketConfig, bucketSnapshots, bucketSpool} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SaveConfig(cfg PersistedConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfig).Put(configKey, data)
	})
}

func (s *BoltStore) LoadConfig() (PersistedConfig, bool, error) {
	var cfg PersistedConfig
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get(configKey)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cfg)
	})
	return cfg, found, err
}

func snapshotKey(computeID uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], computeID)
	return k[:]
}

func (s *BoltStore) SaveClusterSnapshot(snap ClusterSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put(snapshotKey(snap.ComputeID), data)
	})
}

func (s *BoltStore) GetClusterSnapshot(computeID uint64) (ClusterSnapshot, bool, error) {
	var snap ClusterSnapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get(snapshotKey(computeID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	return snap, found, err
}

func (s *BoltStore) DeleteClusterSnapshot(computeID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete(snapshotKey(computeID))
	})
}

func spoolKey(computeID, uid uint64) []byte {
	var k [16]byte
	binary.BigEndian.PutUint64(k[0:8], computeID)
	binary.BigEndian.PutUint64(k[8:16], uid)
	return k[:]
}

func (s *BoltStore) PutSpoolEntry(e SpoolEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSpool).Put(spoolKey(e.ComputeID, e.UID), data)
	})
}

func (s *BoltStore) DeleteSpoolEntry(computeID, uid uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSpool).Delete(spoolKey(computeID, uid))
	})
}

func (s *BoltStore) ListSpoolEntries(computeID uint64) ([]SpoolEntry, error) {
	var entries []SpoolEntry
	prefix := spoolKey(computeID, 0)[:8]
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSpool).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e SpoolEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
