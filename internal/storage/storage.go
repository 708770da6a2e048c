// Package storage is the bbolt-backed state store for the application shell:
// user accounts and the latest signed configuration snapshot. The chain log
// has its own stores; nothing here rewrites log history.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	usersBucket  = []byte("users")
	configBucket = []byte("config")
)

var configKey = []byte("current")

// ErrUserNotFound is returned when a username has no stored record.
var ErrUserNotFound = errors.New("user not found")

// User is a stored account record. PasswordHash is a bcrypt hash; the
// cleartext password is never persisted.
type User struct {
	Name         string `json:"name"`
	PasswordHash string `json:"password_hash"`
	Role         string `json:"role"`
}

// ConfigSnapshot is the persisted form of the signed configuration.
type ConfigSnapshot struct {
	Settings  map[string]any `json:"settings"`
	Signature string         `json:"signature"`
}

// StateStore wraps a bbolt database holding application state.
type StateStore struct {
	db *bolt.DB
}

// Open opens or creates the state database at path.
func Open(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{usersBucket, configBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &StateStore{db: db}, nil
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

// PutUser stores or replaces a user record.
func (s *StateStore) PutUser(u User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		return tx.Bucket(usersBucket).Put([]byte(u.Name), data)
	})
}

// GetUser loads a user record by name.
func (s *StateStore) GetUser(name string) (User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(usersBucket).Get([]byte(name))
		if data == nil {
			return ErrUserNotFound
		}
		return json.Unmarshal(data, &u)
	})
	return u, err
}

// SaveConfig persists the signed configuration snapshot. Settings and
// signature are committed together in one transaction.
func (s *StateStore) SaveConfig(settings map[string]any, signature string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ConfigSnapshot{Settings: settings, Signature: signature})
		if err != nil {
			return fmt.Errorf("marshal config snapshot: %w", err)
		}
		return tx.Bucket(configBucket).Put(configKey, data)
	})
}

// LoadConfig returns the persisted snapshot, if any.
func (s *StateStore) LoadConfig() (ConfigSnapshot, bool, error) {
	var snap ConfigSnapshot
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(configBucket).Get(configKey)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return ConfigSnapshot{}, false, fmt.Errorf("load config snapshot: %w", err)
	}
	return snap, found, nil
}
