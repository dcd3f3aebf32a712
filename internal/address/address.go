// Package address derives relay addresses from secp256k1 identity keys.
//
// An address is the hash160 (RIPEMD-160 of SHA-256) of the compressed public
// key. Its text form is Base58Check:
//
//	[0]     version: 0x00
//	[1:21]  hash160: 20 bytes
//	[21:25] checksum: first 4 bytes of double-SHA256 over version||hash160
package address

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"
)

const (
	// Size is the length of an address hash in bytes.
	Size = 20

	// Version is the Base58Check version byte for relay addresses.
	Version byte = 0x00

	checksumLen = 4
	encodedLen  = 1 + Size + checksumLen
)

// ErrInvalidAddress is returned for malformed identity keys and address strings.
var ErrInvalidAddress = errors.New("invalid address")

// Address is the canonical recipient identifier.
type Address [Size]byte

// Resolve derives the address of an identity public key. Both the 33-byte
// compressed and the 65-byte uncompressed encodings are accepted and resolve
// to the same address.
func Resolve(identity []byte) (Address, error) {
	var addr Address
	pub, err := secp256k1.ParsePubKey(identity)
	if err != nil {
		return addr, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	copy(addr[:], hash160(pub.SerializeCompressed()))
	return addr, nil
}

// Parse decodes a Base58Check address string, verifying version and checksum.
func Parse(s string) (Address, error) {
	var addr Address
	raw, err := base58.Decode(s)
	if err != nil {
		return addr, fmt.Errorf("%w: base58 decode failed: %v", ErrInvalidAddress, err)
	}
	if len(raw) != encodedLen {
		return addr, fmt.Errorf("%w: length %d, want %d", ErrInvalidAddress, len(raw), encodedLen)
	}

	payload := raw[:1+Size]
	expected := doubleSHA256(payload)
	if subtle.ConstantTimeCompare(raw[1+Size:], expected[:checksumLen]) != 1 {
		return addr, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	if payload[0] != Version {
		return addr, fmt.Errorf("%w: unknown version 0x%02x", ErrInvalidAddress, payload[0])
	}

	copy(addr[:], payload[1:])
	return addr, nil
}

// FromBytes converts a raw 20-byte hash into an Address.
func FromBytes(b []byte) (Address, error) {
	var addr Address
	if len(b) != Size {
		return addr, fmt.Errorf("%w: length %d, want %d", ErrInvalidAddress, len(b), Size)
	}
	copy(addr[:], b)
	return addr, nil
}

// String returns the Base58Check encoding.
func (a Address) String() string {
	full := make([]byte, 0, encodedLen)
	full = append(full, Version)
	full = append(full, a[:]...)
	checksum := doubleSHA256(full)
	full = append(full, checksum[:checksumLen]...)
	return base58.Encode(full)
}

// Bytes returns a copy of the raw hash.
func (a Address) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, a[:])
	return out
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func hash160(data []byte) []byte {
	sum := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(sum[:])
	return h.Sum(nil)
}

func doubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}
