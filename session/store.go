// Package session persists the client's session identifier and endpoint
// preferences across runs.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	idKey         = "session/id"
	prefKeyPrefix = "pref/"
)

// Preference keys.
const (
	PrefEndpoint = "endpoint"
)

// Store is a small badger-backed key/value store.
type Store struct {
	db *badger.DB
}

// Open opens or creates the store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{})
	return open(opts)
}

// OpenInMemory opens a store that lives only for the process.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{})
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &Store{db: db}, nil
}

// ID returns the persistent session id, creating it on first use. An
// existing id is never replaced.
func (s *Store) ID() (string, error) {
	var id string
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idKey))
		switch {
		case err == nil:
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id = string(v)
			return nil
		case errors.Is(err, badger.ErrKeyNotFound):
			id = uuid.NewString()
			slog.Info("session created", "id", id)
			return txn.Set([]byte(idKey), []byte(id))
		default:
			return err
		}
	})
	if err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return id, nil
}

// Preference returns a stored preference, or "" if unset.
func (s *Store) Preference(key string) (string, error) {
	var val string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefKeyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		val = string(v)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("read preference %s: %w", key, err)
	}
	return val, nil
}

// SetPreference stores a preference. An empty value deletes it.
func (s *Store) SetPreference(key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		k := []byte(prefKeyPrefix + key)
		if value == "" {
			return txn.Delete(k)
		}
		return txn.Set(k, []byte(value))
	})
	if err != nil {
		return fmt.Errorf("write preference %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging to slog. Info and debug
// chatter is demoted.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	slog.Error("badger: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...any) {
	slog.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...any) {
	slog.Debug("badger: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...any) {}
