// Package state persists the device's dashboard areas and identity-free
// metadata in a local bbolt database, so edits survive restarts and
// periods without a signed-in user.
package state

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/snapshot"
	"github.com/alexjbarnes/dash-sync/internal/store"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.dash-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	areasBucket = []byte("areas")
	metaBucket  = []byte("meta")
	deviceIDKey = []byte("device_id")
)

// State wraps a bbolt database for all persistent device state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.dash-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// DefaultPath returns ~/.dash-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".dash-sync", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(areasBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(metaBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// DeviceID returns this device's ID, generating and storing one on first
// use.
func (s *State) DeviceID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)

		if v := b.Get(deviceIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("loading device id: %w", err)
	}

	return id, nil
}

// Area returns the saved JSON for one area, or nil if none was saved.
func (s *State) Area(area string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(areasBucket).Get([]byte(area)); v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})

	return data, err
}

// SaveArea stores v as the JSON for one area.
func (s *State) SaveArea(area string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", area, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(areasBucket).Put([]byte(area), data)
	})
}

// Restore seeds stores from the saved areas. Areas never saved keep
// their defaults; saved fields that no longer decode keep the default
// value and are reported in the returned error.
func (s *State) Restore(stores *store.Stores) error {
	doc := map[string]json.RawMessage{"version": json.RawMessage("1")}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(areasBucket).ForEach(func(k, v []byte) error {
			doc[string(k)] = append(json.RawMessage(nil), v...)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("reading saved areas: %w", err)
	}

	if len(doc) == 1 {
		return nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding saved areas: %w", err)
	}

	snap, err := snapshot.Parse(raw)
	if err != nil {
		return fmt.Errorf("decoding saved areas: %w", err)
	}

	return stderrors.Join(snapshot.Apply(stores, snap)...)
}

// Persist saves each area whenever its store changes, until the returned
// func is called.
func (s *State) Persist(stores *store.Stores, logger *slog.Logger) func() {
	logger = logger.With(slog.String("component", "state"))

	var mu sync.Mutex

	// The lock spans read and write so that a slower notification can
	// never overwrite a newer value with an older one.
	save := func(area string, get func() any) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()

			if err := s.SaveArea(area, get()); err != nil {
				logger.Warn("saving area failed", slog.String("area", area), slog.String("error", err.Error()))
			}
		}
	}

	unsubs := []func(){
		stores.App.Subscribe(save(store.AreaApp, func() any { return stores.App.Get() })),
		stores.Habits.Subscribe(save(store.AreaHabits, func() any { return stores.Habits.Get() })),
		stores.Reminders.Subscribe(save(store.AreaReminders, func() any { return stores.Reminders.Get() })),
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
