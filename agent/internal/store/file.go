package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/obsidianstack/logship/agent/internal/event"
)

// DefaultDirectoryName is the directory created under the user cache
// directory when FileOptions.Directory is empty.
const DefaultDirectoryName = "logship"

const blobExt = ".blob"

// FileOptions configures a FileStore.
type FileOptions struct {
	// Directory is the base directory. Empty means
	// os.UserCacheDir()/DefaultDirectoryName.
	Directory string

	// Compression applied to group blobs.
	Compression Compression

	// MaxEventsPerGroup caps how many events a group may hold. Zero means
	// unbounded.
	MaxEventsPerGroup int
}

// FileStore keeps one blob file per group.
//
// All exported methods are safe for concurrent use. Operations on the same
// group are serialised by a per-group mutex.
type FileStore struct {
	opts FileOptions

	mu    sync.Mutex // guards dir
	dir   string
	locks *groupLocks

	// writeFile is swapped in tests to simulate interrupted writes.
	writeFile func(path string, data []byte) error
}

// NewFileStore returns an unprepared FileStore.
func NewFileStore(opts FileOptions) *FileStore {
	return &FileStore{
		opts:      opts,
		locks:     newGroupLocks(),
		writeFile: writeFileAtomic,
	}
}

// Dir returns the base directory. It is empty until Prepare succeeds.
func (s *FileStore) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// Prepare resolves and creates the base directory.
func (s *FileStore) Prepare() error {
	dir := s.opts.Directory
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return &InitError{Path: "", Err: fmt.Errorf("resolve cache dir: %w", err)}
		}
		dir = filepath.Join(cache, DefaultDirectoryName)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &InitError{Path: dir, Err: err}
	}

	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()

	slog.Debug("store: prepared", "dir", dir, "compression", s.opts.Compression.String())
	return nil
}

// Add stores the union of the group's set and events. A corrupt blob is
// replaced and reported with ErrCorrupt; a blob that cannot be read fails
// the Add and is left untouched.
func (s *FileStore) Add(group string, events event.Set) error {
	unlock, err := s.lock(group)
	if err != nil {
		return &IOError{Op: "add", Group: group, Err: err}
	}
	defer unlock()

	current, loadErr := s.load(group)
	if current == nil {
		return &IOError{Op: "add", Group: group, Err: loadErr}
	}
	admitted, dropped := limit(current, events, s.opts.MaxEventsPerGroup)
	if err := s.write(group, current.Union(admitted)); err != nil {
		return &IOError{Op: "add", Group: group, Err: errors.Join(loadErr, err)}
	}
	if err := errors.Join(loadErr, retention(dropped)); err != nil {
		return &IOError{Op: "add", Group: group, Err: err}
	}
	return nil
}

// Remove stores the group's set minus events.
func (s *FileStore) Remove(group string, events event.Set) error {
	unlock, err := s.lock(group)
	if err != nil {
		return &IOError{Op: "remove", Group: group, Err: err}
	}
	defer unlock()

	current, loadErr := s.load(group)
	if current == nil {
		return &IOError{Op: "remove", Group: group, Err: loadErr}
	}
	if err := s.write(group, current.Difference(events)); err != nil {
		return &IOError{Op: "remove", Group: group, Err: errors.Join(loadErr, err)}
	}
	if loadErr != nil {
		return &IOError{Op: "remove", Group: group, Err: loadErr}
	}
	return nil
}

// Retrieve returns the group's current set. The set is empty, never nil,
// when an error is returned.
func (s *FileStore) Retrieve(group string) (event.Set, error) {
	unlock, err := s.lock(group)
	if err != nil {
		return event.NewSet(), &IOError{Op: "retrieve", Group: group, Err: err}
	}
	defer unlock()

	set, err := s.load(group)
	if err != nil {
		return event.NewSet(), &IOError{Op: "retrieve", Group: group, Err: err}
	}
	return set, nil
}

// Groups lists groups with a blob on disk.
func (s *FileStore) Groups() ([]string, error) {
	dir := s.Dir()
	if dir == "" {
		return nil, ErrNotPrepared
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &IOError{Op: "groups", Err: err}
	}
	var groups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobExt) {
			continue
		}
		group, err := decodeGroupName(strings.TrimSuffix(name, blobExt))
		if err != nil {
			slog.Warn("store: ignoring unrecognised file", "dir", dir, "file", name)
			continue
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// Flush removes the base directory and recreates it empty. Every group lock
// is held for the duration so no read-modify-write straddles the reset.
func (s *FileStore) Flush() error {
	dir := s.Dir()
	if dir == "" {
		return ErrNotPrepared
	}

	unlock := s.locks.lockAll()
	defer unlock()

	if err := os.RemoveAll(dir); err != nil {
		return &IOError{Op: "flush", Err: err}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &IOError{Op: "flush", Err: err}
	}
	slog.Info("store: flushed all groups", "dir", dir)
	return nil
}

// Close is a no-op; FileStore holds no open handles between operations.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) lock(group string) (func(), error) {
	if s.Dir() == "" {
		return nil, ErrNotPrepared
	}
	return s.locks.lock(group), nil
}

func (s *FileStore) path(group string) string {
	return filepath.Join(s.Dir(), encodeGroupName(group)+blobExt)
}

// load reads the group's blob. A missing file is an empty set. A blob that
// does not decode yields an empty set and an ErrCorrupt error so callers
// can overwrite it; a read failure yields a nil set since the content is
// unknown and must not be overwritten.
func (s *FileStore) load(group string) (event.Set, error) {
	p := s.path(group)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return event.NewSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	set, err := decodeSet(data, group)
	if err != nil {
		slog.Warn("store: blob does not decode, treating group as empty",
			"group", group, "path", p, "err", err)
		return event.NewSet(), fmt.Errorf("%w: %s: %v", ErrCorrupt, p, err)
	}
	return set, nil
}

// write persists set for group. An empty set removes the file.
func (s *FileStore) write(group string, set event.Set) error {
	p := s.path(group)
	if set.Len() == 0 {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	blob, err := encodeSet(set, s.opts.Compression)
	if err != nil {
		return err
	}
	return s.writeFile(p, blob)
}

// writeFileAtomic writes data to a temp file in the target's directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}

func encodeGroupName(group string) string {
	return hex.EncodeToString([]byte(group))
}

func decodeGroupName(name string) (string, error) {
	b, err := hex.DecodeString(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
