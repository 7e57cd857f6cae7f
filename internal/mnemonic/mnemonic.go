// Package mnemonic manages the root secret of a sync session: a
// human-memorable word phrase from which both the collaboration room
// identifier and the encryption key are derived deterministically.
//
// The phrase is the only durable secret. Room id and key are pure functions
// of it, so replacing the phrase atomically rotates both.
package mnemonic

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/starford/laguz/internal/apperr"
)

const (
	// fixedSalt domain-separates laguz derivations from any other use of the
	// same phrase. Changing it invalidates every existing room and key.
	fixedSalt = "laguz-crdt-sync"

	roomSuffix = "-room"
	keySuffix  = "-encryption"

	keyLength  = 32
	iterations = 10000

	// DefaultWords is the phrase length used for new installations.
	DefaultWords = 5
)

// Generate produces a phrase of wordCount words drawn uniformly from the
// dictionary using crypto/rand. There is no fallback entropy source: if the
// system random source fails, Generate fails, and the caller must surface
// that rather than proceed with a weak secret.
func Generate(wordCount int) (string, error) {
	if wordCount < 3 {
		wordCount = DefaultWords
	}

	// 4 bytes of entropy per word, reduced modulo the dictionary size.
	// The modulo bias over a ~500-word list is negligible at 32 bits.
	entropy := make([]byte, wordCount*4)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("mnemonic: entropy source unavailable: %w", err)
	}

	words := make([]string, wordCount)
	for i := range words {
		n := binary.BigEndian.Uint32(entropy[i*4 : i*4+4])
		words[i] = wordList[n%uint32(len(wordList))]
	}
	return strings.Join(words, " "), nil
}

// Validate reports whether phrase is acceptable: at least three words, and,
// when the dictionary is large enough to make membership meaningful, every
// word present in it.
func Validate(phrase string) bool {
	words := strings.Fields(strings.TrimSpace(phrase))
	if len(words) < 3 {
		return false
	}
	if len(wordList) > 100 {
		for _, w := range words {
			if _, ok := wordSet[strings.ToLower(w)]; !ok {
				return false
			}
		}
	}
	return true
}

// DeriveRoomID returns the deterministic room identifier for a phrase:
// a truncated hex digest, safe to expose to the relay server. The room
// derivation is salted differently from key derivation so the room id
// carries no key material.
func DeriveRoomID(phrase string) string {
	sum := sha256.Sum256([]byte(phrase + fixedSalt + roomSuffix))
	return hex.EncodeToString(sum[:])[:16]
}

// DeriveKey derives the 256-bit symmetric encryption key for a phrase using
// PBKDF2-SHA256 with a fixed iteration count. Deterministic: same phrase,
// same key, on every device.
func DeriveKey(phrase string) []byte {
	return pbkdf2.Key([]byte(phrase), []byte(fixedSalt+keySuffix), iterations, keyLength, sha256.New)
}

// CipherFor returns an authenticated cipher for the given phrase.
func CipherFor(phrase string) (*Cipher, error) {
	if phrase == "" {
		return nil, apperr.ErrNoMnemonic
	}
	return NewCipher(DeriveKey(phrase))
}
