package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
)

var (
	bucketMessages   = []byte("messages")
	bucketByReceived = []byte("by_received")
	bucketByExpiry   = []byte("by_expiry")
	bucketClaims     = []byte("claims")
	bucketFilters    = []byte("filters")
	bucketProfiles   = []byte("profiles")
)

const (
	messageKeyLen  = address.Size + DigestSize
	timestampLen   = 8
	messageHdrLen  = 2 * timestampLen
	receivedKeyLen = address.Size + timestampLen + DigestSize
	expiryKeyLen   = timestampLen + messageKeyLen
)

// BoltStore keeps messages and claims in a bbolt file. Secondary buckets
// index messages by receive time per address and by expiry.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

// BoltOption configures a BoltStore.
type BoltOption func(*bbolt.Options)

// WithNoSync disables fsync per transaction. Tests only.
func WithNoSync() BoltOption {
	return func(o *bbolt.Options) {
		o.NoSync = true
	}
}

// NewBoltStore opens (creating if needed) relay.bolt under basePath.
func NewBoltStore(basePath string, opts ...BoltOption) (*BoltStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	path := filepath.Join(basePath, "relay.bolt")
	options := &bbolt.Options{Timeout: time.Second}
	for _, opt := range opts {
		opt(options)
	}

	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketByReceived, bucketByExpiry, bucketClaims, bucketFilters, bucketProfiles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Debugf("Opened bolt store at %s", path)
	return &BoltStore{db: db, path: path}, nil
}

// Update implements Store.
func (s *BoltStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		fnErr = fn(&boltTx{tx: tx})
		return fnErr
	})
	if err != nil {
		if fnErr != nil {
			return fnErr
		}
		return ioError("commit", err)
	}
	return nil
}

// View implements Store.
func (s *BoltStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := s.db.View(func(tx *bbolt.Tx) error {
		fnErr = fn(&boltTx{tx: tx})
		return fnErr
	})
	if err != nil {
		if fnErr != nil {
			return fnErr
		}
		return ioError("view", err)
	}
	return nil
}

// List implements Store.
func (s *BoltStore) List(ctx context.Context, addr address.Address, after Cursor, limit int) ([]Summary, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := addr.Bytes()
	var out []Summary
	err := s.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketByReceived)
		messages := tx.Bucket(bucketMessages)

		c := index.Cursor()
		var k []byte
		if after.IsZero() {
			k, _ = c.Seek(prefix)
		} else {
			start := receivedKey(addr, after.ReceivedAt, after.Digest)
			k, _ = c.Seek(start)
			if bytes.Equal(k, start) {
				k, _ = c.Next()
			}
		}

		for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, _ = c.Next() {
			if len(k) != receivedKeyLen {
				return ioError("list", fmt.Errorf("corrupt index key of %d bytes", len(k)))
			}
			var digest Digest
			copy(digest[:], k[address.Size+timestampLen:])

			v := messages.Get(messageKey(addr, digest))
			if v == nil {
				return ioError("list", fmt.Errorf("index entry without message %s", digest))
			}
			received, expiresAt, payload, err := decodeMessageValue(v)
			if err != nil {
				return err
			}
			out = append(out, Summary{
				Digest:     digest,
				Size:       len(payload),
				ReceivedAt: received,
				ExpiresAt:  expiresAt,
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIO) {
			return nil, err
		}
		return nil, ioError("list", err)
	}
	return out, nil
}

// DeleteExpired implements Store.
func (s *BoltStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	deleted := 0
	err := s.Update(ctx, func(t Tx) error {
		tx := t.(*boltTx).tx
		expiry := tx.Bucket(bucketByExpiry)

		// Collect first; deleting under a live cursor can skip keys.
		var victims [][]byte
		cutoff := encodeNanos(toNanos(now))
		c := expiry.Cursor()
		for k, _ := c.First(); k != nil && len(victims) < limit; k, _ = c.Next() {
			if bytes.Compare(k[:timestampLen], cutoff) > 0 {
				break
			}
			victims = append(victims, append([]byte(nil), k...))
		}

		for _, k := range victims {
			if len(k) != expiryKeyLen {
				return ioError("delete expired", fmt.Errorf("corrupt expiry key of %d bytes", len(k)))
			}
			addr, err := address.FromBytes(k[timestampLen : timestampLen+address.Size])
			if err != nil {
				return ioError("delete expired", err)
			}
			var digest Digest
			copy(digest[:], k[timestampLen+address.Size:])
			switch err := t.Delete(addr, digest); {
			case err == nil:
				deleted++
			case errors.Is(err, ErrNotFound):
				// Orphaned index entry; drop it without counting an eviction.
				if err := expiry.Delete(k); err != nil {
					return ioError("delete expired", err)
				}
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) Get(addr address.Address, digest Digest) (*Message, error) {
	v := t.tx.Bucket(bucketMessages).Get(messageKey(addr, digest))
	if v == nil {
		return nil, ErrNotFound
	}
	received, expiresAt, payload, err := decodeMessageValue(v)
	if err != nil {
		return nil, err
	}
	return &Message{
		Address:    addr,
		Digest:     digest,
		Payload:    append([]byte{}, payload...),
		ReceivedAt: received,
		ExpiresAt:  expiresAt,
	}, nil
}

func (t *boltTx) Put(msg *Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	messages := t.tx.Bucket(bucketMessages)
	key := messageKey(msg.Address, msg.Digest)
	if v := messages.Get(key); v != nil {
		_, _, payload, err := decodeMessageValue(v)
		if err != nil {
			return err
		}
		if bytes.Equal(payload, msg.Payload) {
			return nil
		}
		return ErrDuplicateDigest
	}

	value := make([]byte, messageHdrLen+len(msg.Payload))
	binary.BigEndian.PutUint64(value[0:8], uint64(toNanos(msg.ReceivedAt)))
	binary.BigEndian.PutUint64(value[8:16], uint64(toNanos(msg.ExpiresAt)))
	copy(value[messageHdrLen:], msg.Payload)

	if err := messages.Put(key, value); err != nil {
		return ioError("put", err)
	}
	if err := t.tx.Bucket(bucketByReceived).Put(receivedKey(msg.Address, msg.ReceivedAt, msg.Digest), nil); err != nil {
		return ioError("put received index", err)
	}
	if err := t.tx.Bucket(bucketByExpiry).Put(expiryKey(msg.ExpiresAt, msg.Address, msg.Digest), nil); err != nil {
		return ioError("put expiry index", err)
	}
	return nil
}

func (t *boltTx) Delete(addr address.Address, digest Digest) error {
	messages := t.tx.Bucket(bucketMessages)
	key := messageKey(addr, digest)
	v := messages.Get(key)
	if v == nil {
		return ErrNotFound
	}
	received, expiresAt, _, err := decodeMessageValue(v)
	if err != nil {
		return err
	}

	if err := t.tx.Bucket(bucketByReceived).Delete(receivedKey(addr, received, digest)); err != nil {
		return ioError("delete received index", err)
	}
	if err := t.tx.Bucket(bucketByExpiry).Delete(expiryKey(expiresAt, addr, digest)); err != nil {
		return ioError("delete expiry index", err)
	}
	if err := messages.Delete(key); err != nil {
		return ioError("delete", err)
	}
	return nil
}

func (t *boltTx) TryClaim(id []byte, at time.Time) (bool, error) {
	claims := t.tx.Bucket(bucketClaims)
	if claims.Get(id) != nil {
		return false, nil
	}
	if err := claims.Put(id, encodeNanos(at.Unix())); err != nil {
		return false, ioError("claim", err)
	}
	return true, nil
}

func (t *boltTx) IsClaimed(id []byte) (bool, error) {
	if len(id) == 0 {
		return false, nil
	}
	return t.tx.Bucket(bucketClaims).Get(id) != nil, nil
}

func (t *boltTx) GetFilter(addr address.Address) (*Filter, error) {
	v := t.tx.Bucket(bucketFilters).Get(addr[:])
	if v == nil {
		return nil, ErrNotFound
	}
	return decodeFilter(v)
}

func (t *boltTx) PutFilter(addr address.Address, f *Filter) error {
	if err := validateOwner(addr); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketFilters).Put(addr[:], encodeFilter(f)); err != nil {
		return ioError("put filter", err)
	}
	return nil
}

func (t *boltTx) GetProfile(addr address.Address) (*Profile, error) {
	v := t.tx.Bucket(bucketProfiles).Get(addr[:])
	if v == nil {
		return nil, ErrNotFound
	}
	return decodeProfile(v)
}

func (t *boltTx) PutProfile(addr address.Address, p *Profile) error {
	if err := validateOwner(addr); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketProfiles).Put(addr[:], encodeProfile(p)); err != nil {
		return ioError("put profile", err)
	}
	return nil
}

func messageKey(addr address.Address, digest Digest) []byte {
	k := make([]byte, 0, messageKeyLen)
	k = append(k, addr[:]...)
	return append(k, digest[:]...)
}

func receivedKey(addr address.Address, received time.Time, digest Digest) []byte {
	k := make([]byte, 0, receivedKeyLen)
	k = append(k, addr[:]...)
	k = append(k, encodeNanos(toNanos(received))...)
	return append(k, digest[:]...)
}

func expiryKey(expiresAt time.Time, addr address.Address, digest Digest) []byte {
	k := make([]byte, 0, expiryKeyLen)
	k = append(k, encodeNanos(toNanos(expiresAt))...)
	k = append(k, addr[:]...)
	return append(k, digest[:]...)
}

// encodeNanos is big-endian so byte order matches time order for
// timestamps after 1970.
func encodeNanos(n int64) []byte {
	var b [timestampLen]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return b[:]
}

func decodeMessageValue(v []byte) (received, expiresAt time.Time, payload []byte, err error) {
	if len(v) < messageHdrLen {
		return time.Time{}, time.Time{}, nil, ioError("decode", fmt.Errorf("corrupt message value of %d bytes", len(v)))
	}
	received = fromNanos(int64(binary.BigEndian.Uint64(v[0:8])))
	expiresAt = fromNanos(int64(binary.BigEndian.Uint64(v[8:16])))
	return received, expiresAt, v[messageHdrLen:], nil
}
