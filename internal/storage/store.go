// Package storage persists relay messages and spent proof claims.
//
// Messages are keyed by (address, digest). A Store hands out transactions
// covering both the message keyspace and the claims keyspace so that a
// proof claim and the message it pays for commit together.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
)

var log = logging.Logger("relay-storage")

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

var (
	// ErrNotFound is returned when no message exists at a key.
	ErrNotFound = errors.New("message not found")
	// ErrDuplicateDigest is returned when a different payload already occupies a key.
	ErrDuplicateDigest = errors.New("duplicate digest with different content")
	// ErrIO wraps every failure of the underlying database.
	ErrIO = errors.New("storage i/o failure")
	// ErrInvalidMessage is returned for messages that violate the store's invariants.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidDigest is returned when a digest cannot be parsed.
	ErrInvalidDigest = errors.New("invalid digest")
	// ErrInvalidCursor is returned when a cursor cannot be parsed.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrUnknownBackend is returned by Open for unsupported backend names.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// DigestSize is the length of a message digest.
const DigestSize = sha256.Size

// Digest is the SHA-256 of a message payload.
type Digest [DigestSize]byte

// DigestOf computes the digest of payload.
func DigestOf(payload []byte) Digest {
	return sha256.Sum256(payload)
}

// ParseDigest accepts a lowercase hex digest or a CID whose multihash is
// sha2-256.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) == hex.EncodedLen(DigestSize) {
		b, err := hex.DecodeString(s)
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
		}
		copy(d[:], b)
		return d, nil
	}

	c, err := cid.Decode(s)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if decoded.Code != multihash.SHA2_256 || len(decoded.Digest) != DigestSize {
		return d, fmt.Errorf("%w: unsupported multihash %s", ErrInvalidDigest, decoded.Name)
	}
	copy(d[:], decoded.Digest)
	return d, nil
}

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Multihash returns the digest as a sha2-256 multihash.
func (d Digest) Multihash() multihash.Multihash {
	mh, err := multihash.Encode(d[:], multihash.SHA2_256)
	if err != nil {
		// Encode only fails for unknown codes or mismatched lengths.
		panic(err)
	}
	return mh
}

// CID returns the digest as a CIDv1 with the raw codec.
func (d Digest) CID() cid.Cid {
	return cid.NewCidV1(cid.Raw, d.Multihash())
}

// Message is a stored ciphertext.
type Message struct {
	Address    address.Address
	Digest     Digest
	Payload    []byte
	ReceivedAt time.Time
	ExpiresAt  time.Time
}

// Summary describes m without its payload.
func (m *Message) Summary() Summary {
	return Summary{
		Digest:     m.Digest,
		Size:       len(m.Payload),
		ReceivedAt: m.ReceivedAt,
		ExpiresAt:  m.ExpiresAt,
	}
}

// Expired reports whether m is eligible for eviction at now.
func (m *Message) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

func (m *Message) validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if m.Address.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidMessage)
	}
	if !m.ExpiresAt.After(m.ReceivedAt) {
		return fmt.Errorf("%w: expires_at must be after received_at", ErrInvalidMessage)
	}
	if DigestOf(m.Payload) != m.Digest {
		return fmt.Errorf("%w: digest does not match payload", ErrInvalidMessage)
	}
	return nil
}

// Summary is the listing view of a message.
type Summary struct {
	Digest     Digest
	Size       int
	ReceivedAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the summarized message is eligible for eviction at now.
func (s Summary) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Cursor marks a position in an address's listing. Listing resumes strictly
// after it. The zero Cursor starts from the beginning.
type Cursor struct {
	ReceivedAt time.Time
	Digest     Digest
}

// CursorAfter returns the cursor positioned at s.
func CursorAfter(s Summary) Cursor {
	return Cursor{ReceivedAt: s.ReceivedAt, Digest: s.Digest}
}

// IsZero reports whether c is the starting cursor.
func (c Cursor) IsZero() bool {
	return c.ReceivedAt.IsZero() && c.Digest == Digest{}
}

// String returns the opaque text form of c. The zero cursor encodes as "".
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	var buf [8 + DigestSize]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(c.ReceivedAt.UnixNano()))
	copy(buf[8:], c.Digest[:])
	return base58.Encode(buf[:])
}

// ParseCursor decodes a cursor produced by Cursor.String.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	b, err := base58.Decode(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if len(b) != 8+DigestSize {
		return Cursor{}, fmt.Errorf("%w: length %d", ErrInvalidCursor, len(b))
	}
	var c Cursor
	c.ReceivedAt = fromNanos(int64(binary.BigEndian.Uint64(b[:8])))
	copy(c.Digest[:], b[8:])
	return c, nil
}

// Tx is a unit of work over messages, claims and owner settings. A Tx must
// not be used after the function it was passed to returns.
type Tx interface {
	// Get returns the message at (addr, digest) or ErrNotFound.
	Get(addr address.Address, digest Digest) (*Message, error)
	// Put stores msg. An identical payload at the same key is a no-op; a
	// different one fails with ErrDuplicateDigest.
	Put(msg *Message) error
	// Delete removes the message at (addr, digest) or returns ErrNotFound.
	Delete(addr address.Address, digest Digest) error
	// TryClaim records id as spent at the given time. It returns false if
	// id was already claimed.
	TryClaim(id []byte, at time.Time) (bool, error)
	// IsClaimed reports whether id has been claimed.
	IsClaimed(id []byte) (bool, error)

	// GetFilter returns the owner's filter for addr or ErrNotFound.
	GetFilter(addr address.Address) (*Filter, error)
	// PutFilter replaces the filter for addr.
	PutFilter(addr address.Address, f *Filter) error
	// GetProfile returns the profile published for addr or ErrNotFound.
	GetProfile(addr address.Address) (*Profile, error)
	// PutProfile replaces the profile for addr.
	PutProfile(addr address.Address, p *Profile) error
}

// Store is a durable backend.
type Store interface {
	// Update runs fn in a read-write transaction. The transaction commits
	// if fn returns nil and rolls back otherwise; fn's error is returned
	// unchanged.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error
	// List returns up to limit summaries for addr ordered by
	// (received_at, digest), starting strictly after the cursor.
	List(ctx context.Context, addr address.Address, after Cursor, limit int) ([]Summary, error)
	// DeleteExpired removes up to limit messages with expires_at <= now and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
	// Close releases the backend.
	Close() error
}

// Open opens the named backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteStore(dir)
	case BackendBolt:
		return NewBoltStore(dir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// ioError wraps a driver error as ErrIO.
func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
