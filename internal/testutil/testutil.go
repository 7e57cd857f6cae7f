// Package testutil provides shared test helpers for setting up sessions and
// mnemonic stores.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/starford/laguz/internal/mnemonic"
	"github.com/starford/laguz/internal/taskstore"
)

// Test phrases built from dictionary words, so Validate accepts them. The
// two phrases derive different rooms and keys.
const (
	TestPhrase    = "apple banana candy zebra cloud"
	TestPhraseAlt = "diamond dinner digital zero zoo"
)

// TestMnemonics creates a phrase store in a temp directory seeded with
// TestPhrase.
func TestMnemonics(t *testing.T) *mnemonic.Store {
	t.Helper()
	return TestMnemonicsWith(t, TestPhrase)
}

// TestMnemonicsWith creates a phrase store seeded with the given phrase.
func TestMnemonicsWith(t *testing.T, phrase string) *mnemonic.Store {
	t.Helper()
	store, err := mnemonic.OpenStore(filepath.Join(t.TempDir(), "mnemonic"), mnemonic.DefaultWords, false)
	if err != nil {
		t.Fatal(err)
	}
	if phrase != "" {
		if err := store.Set(phrase); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

// TestSession creates an initialized offline session over a temp replica,
// destroyed on cleanup. serverURL may be empty for offline tests.
func TestSession(t *testing.T, serverURL string) *taskstore.Session {
	t.Helper()
	s := taskstore.New(taskstore.Options{
		ReplicaDSN: filepath.Join(t.TempDir(), "test.db"),
		Mnemonics:  TestMnemonics(t),
		ServerURL:  serverURL,
	})
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Destroy)
	return s
}
