package signing

import (
	"errors"
	"fmt"
)

// Verification and envelope errors. Each rejection reason of the
// verification procedure surfaces as a distinct error so callers (and the
// audit trail) can report exactly why a load was refused.
var (
	// ErrBadMagic reports missing 'RBPF' magic bytes.
	ErrBadMagic = errors.New("signing: invalid envelope magic")
	// ErrShortInput reports an input shorter than the envelope header.
	ErrShortInput = errors.New("signing: input shorter than envelope header")
	// ErrHashMismatch reports a body whose SHA3-256 does not match the
	// header: the object was corrupted or tampered with.
	ErrHashMismatch = errors.New("signing: body hash mismatch")
	// ErrBadSignature reports Ed25519 signature verification failure.
	ErrBadSignature = errors.New("signing: signature verification failed")
	// ErrUntrustedSigner reports a signer id matching no trusted key.
	ErrUntrustedSigner = errors.New("signing: signer not in trusted key set")
	// ErrExpired reports a signature older than the configured maximum age.
	ErrExpired = errors.New("signing: signature expired")
	// ErrMissingCapabilities reports an object that requires capabilities
	// the caller does not hold.
	ErrMissingCapabilities = errors.New("signing: required capabilities not held")
	// ErrBadPublicKey reports a key that is not 32 bytes.
	ErrBadPublicKey = errors.New("signing: invalid public key length")
	// ErrNoTrustedKeys reports verification against an empty keyring.
	ErrNoTrustedKeys = errors.New("signing: no trusted keys registered")
	// ErrTooManyKeys reports an attempt to grow the keyring past its cap.
	ErrTooManyKeys = errors.New("signing: trusted key limit reached")
)

// UnsupportedVersionError reports an envelope version this runtime does
// not speak.
type UnsupportedVersionError struct {
	Version uint8
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("signing: unsupported envelope version %d", e.Version)
}
