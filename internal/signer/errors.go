package signer

import "errors"

// Error kinds surfaced to callers of SignOrder and New.
var (
	ErrInvalidKey     = errors.New("signer: invalid private key")
	ErrSignerMismatch = errors.New("signer: SIGNER_MISMATCH")
	ErrInvalidAmount  = errors.New("signer: INVALID_AMOUNT")
)
