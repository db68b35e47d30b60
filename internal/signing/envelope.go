// Package signing establishes integrity and origin authenticity for loaded
// rkBPF objects. A signed object is a 120-byte envelope header followed by
// the raw object bytes; the header carries a SHA3-256 hash of the body and
// an Ed25519 signature over that hash, checked against a bounded registry
// of trusted public keys before the object is allowed anywhere near the
// loader.
package signing

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"
)

// Envelope wire constants. The header layout is a stable external
// interface; every field sits at a fixed byte offset, little-endian.
const (
	// Magic identifies a signed rkBPF object.
	Magic = "RBPF"
	// Version is the current envelope format version.
	Version = 1
	// SignatureSize is the Ed25519 signature length.
	SignatureSize = ed25519.SignatureSize
	// PublicKeySize is the Ed25519 public key length.
	PublicKeySize = ed25519.PublicKeySize
	// SignerIDSize is the truncated public-key prefix length.
	SignerIDSize = 8
	// HeaderSize is the total envelope header length:
	// magic(4) + version(1) + flags(1) + reserved(2) +
	// hash(32) + signature(64) + signer id(8) + timestamp(8).
	HeaderSize = 4 + 1 + 1 + 2 + HashSize + SignatureSize + SignerIDSize + 8
)

// Header field offsets.
const (
	offMagic     = 0
	offVersion   = 4
	offFlags     = 5
	offHash      = 8
	offSignature = offHash + HashSize
	offSignerID  = offSignature + SignatureSize
	offTimestamp = offSignerID + SignerIDSize
)

// Flags is the envelope flag bitset.
type Flags uint8

const (
	// FlagRequiresCaps marks objects that require caller capabilities.
	FlagRequiresCaps Flags = 1 << 0
	// FlagDebugBuild marks development builds.
	FlagDebugBuild Flags = 1 << 1
	// FlagHasExpiry marks objects whose timestamp participates in the
	// max-age policy check.
	FlagHasExpiry Flags = 1 << 2
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// SignerID is the first 8 bytes of the signer's Ed25519 public key, used
// as a cheap pre-filter before the full key comparison.
type SignerID [SignerIDSize]byte

// SignerIDOf derives the signer id from a public key.
func SignerIDOf(pub ed25519.PublicKey) SignerID {
	var id SignerID
	copy(id[:], pub[:SignerIDSize])
	return id
}

func (id SignerID) String() string { return fmt.Sprintf("%x", id[:]) }

// Header is the parsed envelope header.
type Header struct {
	Version  uint8
	Flags    Flags
	BodyHash Hash
	// Signature is the Ed25519 signature over the 32-byte body hash.
	Signature [SignatureSize]byte
	SignerID  SignerID
	// SignedAt is the unix timestamp (seconds) the object was signed.
	SignedAt uint64
}

// ParseHeader decodes the 120-byte envelope header. It fails on short
// input, bad magic, or an unsupported version; it does not look at the
// body.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, fmt.Errorf("%w: have %d bytes, need %d", ErrShortInput, len(data), HeaderSize)
	}
	if string(data[offMagic:offMagic+4]) != Magic {
		return h, ErrBadMagic
	}
	if data[offVersion] != Version {
		return h, &UnsupportedVersionError{Version: data[offVersion]}
	}

	h.Version = data[offVersion]
	h.Flags = Flags(data[offFlags])
	copy(h.BodyHash[:], data[offHash:offHash+HashSize])
	copy(h.Signature[:], data[offSignature:offSignature+SignatureSize])
	copy(h.SignerID[:], data[offSignerID:offSignerID+SignerIDSize])
	h.SignedAt = binary.LittleEndian.Uint64(data[offTimestamp : offTimestamp+8])
	return h, nil
}

// Marshal serialises the header into its 120-byte wire form. The two
// reserved bytes are written as zero.
func (h Header) Marshal() [HeaderSize]byte {
	var out [HeaderSize]byte
	copy(out[offMagic:], Magic)
	out[offVersion] = h.Version
	out[offFlags] = uint8(h.Flags)
	copy(out[offHash:], h.BodyHash[:])
	copy(out[offSignature:], h.Signature[:])
	copy(out[offSignerID:], h.SignerID[:])
	binary.LittleEndian.PutUint64(out[offTimestamp:], h.SignedAt)
	return out
}

// Envelope is a parsed signed object: the header plus the raw body bytes
// (everything after the header).
type Envelope struct {
	Header Header
	Body   []byte
}

// Parse splits a signed blob into header and body. The body is aliased,
// not copied; the caller keeps ownership of data.
func Parse(data []byte) (*Envelope, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Header: h, Body: data[HeaderSize:]}, nil
}

// VerifyHash recomputes the body's SHA3-256 and compares it against the
// header in constant time.
func (e *Envelope) VerifyHash() error {
	if !ComputeHash(e.Body).Equal(e.Header.BodyHash) {
		return ErrHashMismatch
	}
	return nil
}

// Sign builds a complete signed blob over body: hash, signature, signer
// id, and timestamp are all derived here. Used by cmd/rksign and tests;
// the kernel side only ever verifies.
func Sign(body []byte, priv ed25519.PrivateKey, flags Flags, signedAt time.Time) []byte {
	h := Header{
		Version:  Version,
		Flags:    flags,
		BodyHash: ComputeHash(body),
		SignerID: SignerIDOf(priv.Public().(ed25519.PublicKey)),
		SignedAt: uint64(signedAt.Unix()),
	}
	copy(h.Signature[:], ed25519.Sign(priv, h.BodyHash[:]))

	hdr := h.Marshal()
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, hdr[:]...)
	return append(out, body...)
}
