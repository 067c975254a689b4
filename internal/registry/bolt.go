package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("volumes")

// BoltStore implements Store on a bbolt database file
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the registry database at the given path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	// Timeout so a second plugin instance fails fast instead of blocking
	// on the file lock
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create volumes bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(name string) (*Volume, error) {
	var vol Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &vol)
	})
	if err != nil {
		return nil, err
	}
	return &vol, nil
}

func (s *BoltStore) Put(v *Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal volume %q: %w", v.Name, err)
		}
		return tx.Bucket(bucketName).Put([]byte(v.Name), data)
	})
}

func (s *BoltStore) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(name))
	})
}

func (s *BoltStore) List() ([]Volume, error) {
	var volumes []Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		// Keys are iterated in byte order, which keeps the result sorted
		// by name
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var vol Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return fmt.Errorf("unmarshal volume %q: %w", string(k), err)
			}
			volumes = append(volumes, vol)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return volumes, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
