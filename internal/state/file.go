package state

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ent0n29/deskmate/internal/feedback"
	"github.com/ent0n29/deskmate/internal/memory"
	"github.com/ent0n29/deskmate/internal/policy"
)

const snapshotVersion = 1

type sessionSnapshot struct {
	Version int
	Log     []memory.Turn
	Context map[string]string
}

type policySnapshot struct {
	Version int
	Table   map[string][]policy.ActionValue
}

// FileStore keeps one binary snapshot per record kind and identity under a
// data directory, plus an append-only feedback text file:
//
//	<key>_data.snap      conversation log and context slots
//	<key>_policy.snap    policy table
//	<key>_feedback.txt   "state,freeText" lines
//
// Snapshots are written to a temp file in the same directory, synced and
// renamed over the previous version.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) LoadSession(_ context.Context, id string) (SessionRecord, error) {
	var snap sessionSnapshot
	found, err := s.readSnapshot(s.path(id, "_data.snap"), &snap)
	if err != nil {
		return SessionRecord{}, corrupt(id, "session", err)
	}
	if !found {
		return SessionRecord{}.normalized(), nil
	}
	return SessionRecord{Log: memory.Log(snap.Log), Context: snap.Context}.normalized(), nil
}

func (s *FileStore) SaveSession(_ context.Context, id string, rec SessionRecord) error {
	return s.writeSnapshot(s.path(id, "_data.snap"), sessionSnapshot{
		Version: snapshotVersion,
		Log:     rec.Log,
		Context: rec.Context,
	})
}

func (s *FileStore) LoadPolicy(_ context.Context, id string) (policy.Table, error) {
	var snap policySnapshot
	found, err := s.readSnapshot(s.path(id, "_policy.snap"), &snap)
	if err != nil {
		return nil, corrupt(id, "policy", err)
	}
	if !found || snap.Table == nil {
		return policy.Table{}, nil
	}
	return policy.Table(snap.Table), nil
}

func (s *FileStore) SavePolicy(_ context.Context, id string, table policy.Table) error {
	return s.writeSnapshot(s.path(id, "_policy.snap"), policySnapshot{
		Version: snapshotVersion,
		Table:   table,
	})
}

func (s *FileStore) AppendFeedback(_ context.Context, id string, rec feedback.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(id, "_feedback.txt"), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open feedback log: %w", err)
	}
	if _, err := f.WriteString(feedback.FormatLine(rec)); err != nil {
		_ = f.Close()
		return fmt.Errorf("append feedback: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync feedback log: %w", err)
	}
	return f.Close()
}

func (s *FileStore) ListFeedback(_ context.Context, id string) ([]feedback.Record, error) {
	f, err := os.Open(s.path(id, "_feedback.txt"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open feedback log: %w", err)
	}
	defer f.Close()
	return feedback.ReadLines(f)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(id, suffix string) string {
	return filepath.Join(s.dir, fileKey(id)+suffix)
}

// readSnapshot decodes the file at path into out. A missing file is
// reported as found=false; any decode failure, including an empty file, is
// an error.
func (s *FileStore) readSnapshot(path string, out any) (bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is built from the configured directory
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func (s *FileStore) writeSnapshot(path string, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace snapshot: %w", err)
	}
	s.syncDir()
	return nil
}

// syncDir makes the rename durable on filesystems that need it. Failures
// are logged only: the snapshot itself is already complete on disk.
func (s *FileStore) syncDir() {
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Debug("state directory sync failed", "dir", s.dir, "err", err)
	}
}

// fileKey maps an identity to a file name prefix. Letters, digits and
// "@._-" pass through; every other byte is written as %XX.
func fileKey(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '@', c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	key := b.String()
	if key == "" || strings.Trim(key, ".") == "" {
		// "", "." and ".." would collide with directory entries.
		return "%" + fmt.Sprintf("%X", []byte(id))
	}
	return key
}
