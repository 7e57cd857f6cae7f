package mnemonic

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/starford/laguz/internal/apperr"
)

// Store holds the current phrase and persists it to a single file. The file
// content is the phrase itself, nothing else, and is never transmitted.
//
// Store is safe for concurrent use.
type Store struct {
	path string

	mu     sync.RWMutex
	phrase string
}

// OpenStore loads the phrase from path. When the file does not exist and
// generateIfMissing is set, a fresh phrase is generated and persisted;
// otherwise the store starts empty.
func OpenStore(path string, wordCount int, generateIfMissing bool) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		phrase := strings.TrimSpace(string(data))
		if !Validate(phrase) {
			return nil, fmt.Errorf("mnemonic: stored phrase at %s: %w", path, apperr.ErrInvalidMnemonic)
		}
		s.phrase = phrase
	case errors.Is(err, os.ErrNotExist):
		if generateIfMissing {
			phrase, genErr := Generate(wordCount)
			if genErr != nil {
				return nil, genErr
			}
			if writeErr := s.write(phrase); writeErr != nil {
				return nil, writeErr
			}
			s.phrase = phrase
		}
	default:
		return nil, fmt.Errorf("mnemonic: read %s: %w", path, err)
	}

	return s, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Phrase returns the current phrase, or "" when none is set.
func (s *Store) Phrase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phrase
}

// RoomID returns the derived room identifier, or "" when no phrase is set.
func (s *Store) RoomID() string {
	p := s.Phrase()
	if p == "" {
		return ""
	}
	return DeriveRoomID(p)
}

// Cipher returns the cipher for the current phrase.
func (s *Store) Cipher() (*Cipher, error) {
	return CipherFor(s.Phrase())
}

// Set validates, persists, and adopts a new phrase. Used to join an existing
// room; all data encrypted under the previous phrase becomes undecryptable.
func (s *Store) Set(phrase string) error {
	phrase = strings.TrimSpace(phrase)
	if !Validate(phrase) {
		return apperr.ErrInvalidMnemonic
	}
	if err := s.write(phrase); err != nil {
		return err
	}
	s.mu.Lock()
	s.phrase = phrase
	s.mu.Unlock()
	return nil
}

// Reload re-reads the phrase from disk, adopting external edits (e.g. the
// user replacing the file by hand). Returns true when the phrase changed.
func (s *Store) Reload() (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("mnemonic: reload %s: %w", s.path, err)
	}
	phrase := strings.TrimSpace(string(data))
	if !Validate(phrase) {
		return false, apperr.ErrInvalidMnemonic
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if phrase == s.phrase {
		return false, nil
	}
	s.phrase = phrase
	return true, nil
}

// write persists the phrase atomically: tmp file, fsync, rename. A crash
// mid-write leaves either the old phrase or the new one, never a torn file.
func (s *Store) write(phrase string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mnemonic: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".laguz-mnemonic-*")
	if err != nil {
		return fmt.Errorf("mnemonic: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(phrase + "\n"); err != nil {
		return fmt.Errorf("mnemonic: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("mnemonic: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mnemonic: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("mnemonic: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("mnemonic: rename: %w", err)
	}
	success = true
	return nil
}
