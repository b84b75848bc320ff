package store

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/obsidianstack/logship/agent/internal/event"
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Directory holds the database. Empty means
	// os.UserCacheDir()/DefaultDirectoryName/badger.
	Directory string

	// InMemory keeps the database in memory only. Used by tests.
	InMemory bool

	// MaxEventsPerGroup caps how many events a group may hold. Zero means
	// unbounded.
	MaxEventsPerGroup int
}

// BadgerStore keeps each event under its own key:
//
//	ev/<hex group>/<hex id> -> CBOR event
//
// Add and Remove run as one transaction each; badger splits only sets too
// large for a single transaction.
type BadgerStore struct {
	opts  BadgerOptions
	locks *groupLocks

	mu sync.RWMutex // guards db
	db *badger.DB
}

// NewBadgerStore returns an unprepared BadgerStore.
func NewBadgerStore(opts BadgerOptions) *BadgerStore {
	return &BadgerStore{opts: opts, locks: newGroupLocks()}
}

// Prepare opens the database.
func (s *BadgerStore) Prepare() error {
	dir := s.opts.Directory
	if dir == "" && !s.opts.InMemory {
		cache, err := os.UserCacheDir()
		if err != nil {
			return &InitError{Err: fmt.Errorf("resolve cache dir: %w", err)}
		}
		dir = filepath.Join(cache, DefaultDirectoryName, "badger")
	}

	opts := badger.DefaultOptions(dir).
		WithInMemory(s.opts.InMemory).
		WithLogger(badgerLogger{})
	if s.opts.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		return &InitError{Path: dir, Err: err}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return &InitError{Path: dir, Err: err}
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	slog.Debug("store: badger opened", "dir", dir, "in_memory", s.opts.InMemory)
	return nil
}

// Add stores events that are not yet present for group.
func (s *BadgerStore) Add(group string, events event.Set) error {
	db, err := s.handle()
	if err != nil {
		return &IOError{Op: "add", Group: group, Err: err}
	}
	defer s.locks.lock(group)()

	current, loadErr := s.retrieve(db, group)
	if current == nil {
		return &IOError{Op: "add", Group: group, Err: loadErr}
	}
	admitted, dropped := limit(current, events, s.opts.MaxEventsPerGroup)
	fresh := admitted.Difference(current)

	err = s.batch(db, fresh.Sorted(), func(txn *badger.Txn, e event.Event) error {
		value, err := encodeEvent(e)
		if err != nil {
			return err
		}
		return txn.Set(eventKey(group, e.ID), value)
	})
	if err != nil {
		return &IOError{Op: "add", Group: group, Err: errors.Join(loadErr, err)}
	}
	if err := errors.Join(loadErr, retention(dropped)); err != nil {
		return &IOError{Op: "add", Group: group, Err: err}
	}
	return nil
}

// Remove deletes the keys of events; absent keys are ignored by badger.
func (s *BadgerStore) Remove(group string, events event.Set) error {
	db, err := s.handle()
	if err != nil {
		return &IOError{Op: "remove", Group: group, Err: err}
	}
	defer s.locks.lock(group)()

	err = s.batch(db, events.Sorted(), func(txn *badger.Txn, e event.Event) error {
		return txn.Delete(eventKey(group, e.ID))
	})
	if err != nil {
		return &IOError{Op: "remove", Group: group, Err: err}
	}
	return nil
}

// Retrieve returns every event stored for group. Values that fail to decode
// are deleted and reported with ErrCorrupt alongside the decodable events.
func (s *BadgerStore) Retrieve(group string) (event.Set, error) {
	db, err := s.handle()
	if err != nil {
		return event.NewSet(), &IOError{Op: "retrieve", Group: group, Err: err}
	}
	defer s.locks.lock(group)()

	set, err := s.retrieve(db, group)
	if set == nil {
		set = event.NewSet()
	}
	if err != nil {
		return set, &IOError{Op: "retrieve", Group: group, Err: err}
	}
	return set, nil
}

// Groups lists groups that have at least one stored event.
func (s *BadgerStore) Groups() ([]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var groups []string
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		last := ""
		for it.Rewind(); it.Valid(); it.Next() {
			rest := bytes.TrimPrefix(it.Item().Key(), []byte(keyPrefix))
			i := bytes.IndexByte(rest, '/')
			if i < 0 {
				continue
			}
			raw, err := hex.DecodeString(string(rest[:i]))
			if err != nil {
				continue
			}
			if g := string(raw); g != last || len(groups) == 0 {
				groups = append(groups, g)
				last = g
			}
		}
		return nil
	})
	if err != nil {
		return nil, &IOError{Op: "groups", Err: err}
	}
	return groups, nil
}

// Flush drops every key.
func (s *BadgerStore) Flush() error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	defer s.locks.lockAll()()

	if err := db.DropAll(); err != nil {
		return &IOError{Op: "flush", Err: err}
	}
	slog.Info("store: flushed all groups", "backend", "badger")
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

const keyPrefix = "ev/"

func groupPrefix(group string) []byte {
	return []byte(keyPrefix + hex.EncodeToString([]byte(group)) + "/")
}

func eventKey(group string, id event.ID) []byte {
	return append(groupPrefix(group), id.String()...)
}

func (s *BadgerStore) handle() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotPrepared
	}
	return s.db, nil
}

// retrieve reads the group's events. Undecodable values are deleted and
// reported with ErrCorrupt next to a usable set; any other failure returns
// a nil set. The caller holds the group lock.
func (s *BadgerStore) retrieve(db *badger.DB, group string) (event.Set, error) {
	set := event.NewSet()
	var corrupt [][]byte
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = groupPrefix(group)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				e, err := decodeEvent(val)
				if err == nil && e.Group != group {
					err = fmt.Errorf("event belongs to group %q", e.Group)
				}
				if err != nil {
					slog.Warn("store: discarding undecodable badger value",
						"group", group, "key", string(item.Key()), "err", err)
					corrupt = append(corrupt, item.KeyCopy(nil))
					return nil
				}
				set[e.ID] = e
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(corrupt) == 0 {
		return set, nil
	}

	err = db.Update(func(txn *badger.Txn) error {
		for _, key := range corrupt {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	return set, errors.Join(fmt.Errorf("%w: %d undecodable values", ErrCorrupt, len(corrupt)), err)
}

// batch applies fn to every event inside transactions, committing and
// starting a new one whenever badger reports the transaction is too big.
func (s *BadgerStore) batch(db *badger.DB, events []event.Event, fn func(*badger.Txn, event.Event) error) error {
	txn := db.NewTransaction(true)
	defer func() { txn.Discard() }()

	for _, e := range events {
		err := fn(txn, e)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return err
			}
			txn = db.NewTransaction(true)
			err = fn(txn, e)
		}
		if err != nil {
			return err
		}
	}
	return txn.Commit()
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error("store: badger: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn("store: badger: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	slog.Debug("store: badger: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	slog.Debug("store: badger: " + fmt.Sprintf(format, args...))
}
