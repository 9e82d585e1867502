// Package store persists the relay set and the websocket configuration in
// an embedded bbolt database: one bucket per logical table.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/asmogo/nostrmux/protocol"
)

// DefaultOwner is the config owner written when none is given.
const DefaultOwner = "admin"

var (
	relaysBucket = []byte("relays")
	configBucket = []byte("config")

	// ErrDuplicateRelay is returned when saving a URL that already exists.
	ErrDuplicateRelay = errors.New("relay url already exists")
	// ErrRelayNotFound is returned when deleting an unknown URL.
	ErrRelayNotFound = errors.New("relay url not found")
)

// Relay is a persisted relay row. Runtime status lives on the session.
type Relay struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// Config gates the inbound websocket endpoints.
type Config struct {
	PrivateWS bool `json:"private_ws"`
	PublicWS  bool `json:"public_ws"`
}

// Store wraps the bbolt database.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database file and ensures the buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open store at %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(relaysBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(configBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadRelays returns every persisted relay.
func (s *Store) LoadRelays() ([]Relay, error) {
	var relays []Relay
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(relaysBucket).ForEach(func(_, value []byte) error {
			var relay Relay
			if err := json.Unmarshal(value, &relay); err != nil {
				return err
			}
			relays = append(relays, relay)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("could not load relays: %w", err)
	}
	return relays, nil
}

// SaveRelay inserts a relay keyed by URL, assigning an id when absent.
// Uniqueness is by URL.
func (s *Store) SaveRelay(relay Relay) (Relay, error) {
	if relay.ID == "" {
		relay.ID = protocol.NewToken()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(relaysBucket)
		if bucket.Get([]byte(relay.URL)) != nil {
			return ErrDuplicateRelay
		}
		encoded, err := json.Marshal(relay)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(relay.URL), encoded)
	})
	if err != nil {
		return Relay{}, fmt.Errorf("could not save relay %s: %w", relay.URL, err)
	}
	return relay, nil
}

// DeleteRelay removes the relay with the given URL.
func (s *Store) DeleteRelay(url string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(relaysBucket)
		if bucket.Get([]byte(url)) == nil {
			return ErrRelayNotFound
		}
		return bucket.Delete([]byte(url))
	})
	if err != nil {
		return fmt.Errorf("could not delete relay %s: %w", url, err)
	}
	return nil
}

// LoadConfig returns the config for the owner, creating the default when
// absent.
func (s *Store) LoadConfig(owner string) (Config, error) {
	if owner == "" {
		owner = DefaultOwner
	}
	var config Config
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(configBucket).Get([]byte(owner))
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, &config)
	})
	if err != nil {
		return Config{}, fmt.Errorf("could not load config for %s: %w", owner, err)
	}
	if !found {
		config = Config{PrivateWS: true, PublicWS: false}
		if err := s.SaveConfig(owner, config); err != nil {
			return Config{}, err
		}
	}
	return config, nil
}

// SaveConfig persists the config for the owner.
func (s *Store) SaveConfig(owner string, config Config) error {
	if owner == "" {
		owner = DefaultOwner
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		encoded, err := json.Marshal(config)
		if err != nil {
			return err
		}
		return tx.Bucket(configBucket).Put([]byte(owner), encoded)
	})
	if err != nil {
		return fmt.Errorf("could not save config for %s: %w", owner, err)
	}
	return nil
}
