// Package identity registers and verifies identities against an
// append-only credential file of "id,hash" lines shared by all identities.
package identity

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// MaxIDLength bounds identities in bytes so every credential line fits the
// line scanner.
const MaxIDLength = 256

const maxLineBytes = 1 << 20

var (
	ErrAlreadyExists   = errors.New("identity already exists")
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidSecret   = errors.New("invalid secret")
)

// Store is safe for concurrent use within one process. Lines are only ever
// appended; existing lines are never rewritten.
type Store struct {
	path   string
	cost   int
	logger *slog.Logger

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithBcryptCost overrides the bcrypt work factor. Values outside bcrypt's
// accepted range fall back to bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(s *Store) {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			cost = bcrypt.DefaultCost
		}
		s.cost = cost
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore opens the credential file at path, creating its directory when
// needed. The file itself is created on first registration.
func NewStore(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("credential file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	s := &Store{
		path:   path,
		cost:   bcrypt.DefaultCost,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register stores id with a hash of secret. It fails with ErrAlreadyExists
// when id is already present.
func (s *Store) Register(ctx context.Context, id, secret string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if secret == "" {
		return ErrInvalidSecret
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found, err := s.lookup(id); err != nil {
		return err
	} else if found {
		return ErrAlreadyExists
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open credential file: %w", err)
	}
	// One write call per line keeps concurrent appends from interleaving.
	if _, err := f.WriteString(id + "," + string(hash) + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append credential: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync credential file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close credential file: %w", err)
	}
	return nil
}

// Verify reports whether secret matches the stored hash for id. An unknown
// id and a wrong secret are indistinguishable to the caller.
func (s *Store) Verify(ctx context.Context, id, secret string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	stored, found, err := s.lookup(id)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return matches(stored, secret), nil
}

// lookup returns the hash on the last line registered for id. Callers hold
// s.mu.
func (s *Store) lookup(id string) (string, bool, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("open credential file: %w", err)
	}
	defer f.Close()
	return s.scan(f, id)
}

func (s *Store) scan(r io.Reader, id string) (string, bool, error) {
	var (
		hash  string
		found bool
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		// Only the line ending is stripped; ids are compared byte for byte.
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		storedID, storedHash, ok := strings.Cut(line, ",")
		if !ok {
			s.logger.Warn("skipping malformed credential line", "line", lineNo)
			continue
		}
		if storedID == id {
			hash, found = storedHash, true
		}
	}
	if err := scanner.Err(); err != nil {
		return "", false, fmt.Errorf("read credential file: %w", err)
	}
	return hash, found, nil
}

func matches(stored, secret string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(secret)) == nil
	}
	// Unsalted SHA-256 hex lines predate bcrypt and are still honoured.
	sum := sha256.Sum256([]byte(secret))
	want := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(stored)), []byte(want)) == 1
}

// validateID rejects ids that could not round-trip through a credential
// line unchanged.
func validateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "",
		strings.TrimSpace(id) != id,
		len(id) > MaxIDLength,
		strings.ContainsAny(id, ",\r\n"):
		return ErrInvalidIdentity
	}
	return nil
}
