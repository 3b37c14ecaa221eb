// Package metadir persists the per-node records of a scan.
//
// Every scanned node owns one directory under <workspace>/md, named by its
// id and fanned out by the first two hex digits:
//
//	md/3f/3f9a…/record.json   the node record, written once at close
//	md/3f/3f9a…/data          unpacked bytes, when the node has its own
//	md/3f/3f9a…/CONSUMED      marker: children were handed to the scheduler
//
// A MetaDirectory moves CREATED → OPEN → CLOSED → CONSUMED. Closing writes
// the record atomically and durably; it is the point from which other
// workers and downstream readers may rely on it. Children of a node are only
// ever enqueued after the node is closed.
package metadir

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/twinfer/bang/internal/fsutil"
	"github.com/twinfer/bang/pkg/unpack"
)

var (
	// ErrInvalidTransition is returned for lifecycle steps out of order.
	ErrInvalidTransition = errors.New("invalid metadirectory transition")
	// ErrParentNotClosed is returned when a child is enqueued before its
	// parent is closed.
	ErrParentNotClosed = errors.New("parent metadirectory not closed")
	// ErrNotFound is returned for ids without a directory.
	ErrNotFound = errors.New("metadirectory not found")
)

const (
	recordFile   = "record.json"
	dataFile     = "data"
	consumedFile = "CONSUMED"
)

// Store is the md/ tree of one workspace.
type Store struct {
	root string
	// syncDir makes new directory entries durable.
	syncDir func(dir string) error
}

// Open prepares the md/ tree under workspace.
func Open(workspace string) (*Store, error) {
	root := filepath.Join(workspace, "md")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, storageErr("creating metadirectory root", err)
	}
	return &Store{root: root, syncDir: fsutil.SyncDir}, nil
}

// Root returns the md/ directory.
func (s *Store) Root() string { return s.root }

// Dir returns the directory of id.
func (s *Store) Dir(id string) string {
	prefix := id
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.root, prefix, id)
}

// DataPath returns where the unpacked bytes of id live.
func (s *Store) DataPath(id string) string {
	return filepath.Join(s.Dir(id), dataFile)
}

func storageErr(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, unpack.ErrStorage, err)
}

// WriteData stores unpacked bytes for id, creating its directory. Parents do
// this for children whose bytes are not a plain slice of their own, before
// the child's job exists.
func (s *Store) WriteData(id string, data []byte) error {
	dir := s.Dir(id)
	if err := s.mkdir(dir); err != nil {
		return err
	}
	if err := fsutil.WriteFile(filepath.Join(dir, dataFile), data, 0o644); err != nil {
		return storageErr("writing data", err)
	}
	return nil
}

// mkdir creates the directory of a node and syncs the fan directory and
// md/ so both new entries survive a crash.
func (s *Store) mkdir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storageErr("creating metadirectory", err)
	}
	fan := filepath.Dir(dir)
	for _, d := range []string{fan, s.root} {
		if err := s.syncDir(d); err != nil {
			return storageErr("syncing metadirectory parent", err)
		}
	}
	return nil
}

// Create allocates the directory for id. A closed record for id must not
// exist yet; a data file written beforehand is kept.
func (s *Store) Create(id string) (*MetaDirectory, error) {
	dir := s.Dir(id)
	if _, err := os.Stat(filepath.Join(dir, recordFile)); err == nil {
		return nil, fmt.Errorf("%w: %s is already closed", ErrInvalidTransition, id)
	}
	if err := s.mkdir(dir); err != nil {
		return nil, err
	}
	return &MetaDirectory{store: s, id: id, state: StateCreated}, nil
}

// State reads the persisted state of id. Directories without a record are
// reported as StateOpen: from the outside a created and an open directory
// cannot be told apart, and neither may be relied on.
func (s *Store) State(id string) (State, error) {
	dir := s.Dir(id)
	if _, err := os.Stat(filepath.Join(dir, consumedFile)); err == nil {
		return StateConsumed, nil
	}
	if _, err := os.Stat(filepath.Join(dir, recordFile)); err == nil {
		return StateClosed, nil
	}
	if _, err := os.Stat(dir); err == nil {
		return StateOpen, nil
	} else if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	} else {
		return "", storageErr("stat metadirectory", err)
	}
}

// CheckEnqueue verifies that a child of parentID may be queued.
func (s *Store) CheckEnqueue(parentID string) error {
	if parentID == "" {
		return nil
	}
	st, err := s.State(parentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if st != StateClosed && st != StateConsumed {
		return fmt.Errorf("%w: %s is %q", ErrParentNotClosed, parentID, st)
	}
	return nil
}

// MarkConsumed moves a closed record to CONSUMED.
func (s *Store) MarkConsumed(id string) error {
	st, err := s.State(id)
	if err != nil {
		return err
	}
	if st != StateClosed {
		return fmt.Errorf("%w: cannot consume %s in state %q", ErrInvalidTransition, id, st)
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	if err := fsutil.WriteFile(filepath.Join(s.Dir(id), consumedFile), stamp, 0o644); err != nil {
		return storageErr("writing consumed marker", err)
	}
	return nil
}

// Load reads the closed record of id.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(id), recordFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s has no record", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("reading record", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(id), consumedFile)); err == nil {
		rec.State = StateConsumed
	}
	return &rec, nil
}

// Walk visits the tree rooted at rootID depth first, parents before
// children, in child order.
func (s *Store) Walk(rootID string, fn func(*Record) error) error {
	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		rec, err := s.Load(id)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		for _, child := range slices.Backward(rec.Children) {
			stack = append(stack, child)
		}
	}
	return nil
}

// IDs lists every id with a directory, sorted.
func (s *Store) IDs() ([]string, error) {
	var ids []string
	fans, err := os.ReadDir(s.root)
	if err != nil {
		return nil, storageErr("listing metadirectories", err)
	}
	for _, fan := range fans {
		if !fan.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, fan.Name()))
		if err != nil {
			return nil, storageErr("listing metadirectories", err)
		}
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), fan.Name()) {
				ids = append(ids, e.Name())
			}
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// RemoveData deletes every data file, keeping the records. It returns the
// number of bytes freed.
func (s *Store) RemoveData() (int64, error) {
	ids, err := s.IDs()
	if err != nil {
		return 0, err
	}
	var freed int64
	for _, id := range ids {
		path := s.DataPath(id)
		fi, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return freed, storageErr("stat data", err)
		}
		if err := os.Remove(path); err != nil {
			return freed, storageErr("removing data", err)
		}
		freed += fi.Size()
	}
	return freed, nil
}

// MetaDirectory is the handle the owning worker uses to fill in a record.
type MetaDirectory struct {
	store *Store
	id    string
	state State
	rec   Record
}

// ID returns the node id.
func (m *MetaDirectory) ID() string { return m.id }

// State returns the in-memory lifecycle state.
func (m *MetaDirectory) State() State { return m.state }

// Open starts writing.
func (m *MetaDirectory) Open() error {
	if m.state != StateCreated {
		return fmt.Errorf("%w: open %s in state %q", ErrInvalidTransition, m.id, m.state)
	}
	m.state = StateOpen
	m.rec.ID = m.id
	m.rec.State = StateOpen
	return nil
}

// Record returns the record being written. It may only be modified while
// the directory is open.
func (m *MetaDirectory) Record() *Record { return &m.rec }

// WriteData stores unpacked bytes for this node.
func (m *MetaDirectory) WriteData(data []byte) error {
	if m.state != StateOpen {
		return fmt.Errorf("%w: write data to %s in state %q", ErrInvalidTransition, m.id, m.state)
	}
	return m.store.WriteData(m.id, data)
}

// Close publishes the record.
func (m *MetaDirectory) Close() error {
	if m.state != StateOpen {
		return fmt.Errorf("%w: close %s in state %q", ErrInvalidTransition, m.id, m.state)
	}
	m.rec.State = StateClosed
	if m.rec.Labels == nil {
		m.rec.Labels = []string{}
	}
	if m.rec.Status == "" {
		m.rec.Status = StatusOK
	}
	if err := fsutil.WriteJSON(filepath.Join(m.store.Dir(m.id), recordFile), &m.rec); err != nil {
		m.rec.State = StateOpen
		return storageErr("closing metadirectory "+m.id, err)
	}
	m.state = StateClosed
	return nil
}
