package apperr

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrNoMnemonic      = errors.New("no mnemonic set")
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrDecrypt         = errors.New("decryption failed")
	ErrClosed          = errors.New("session closed")
)
