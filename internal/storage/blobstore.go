package storage

import (
	"context"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
)

// BlobStore exposes single-operation access to messages. Each call runs in
// its own transaction.
type BlobStore struct {
	store Store
}

// NewBlobStore wraps store.
func NewBlobStore(store Store) *BlobStore {
	return &BlobStore{store: store}
}

// Put stores msg. Re-putting identical content is a no-op; different
// content at an existing key fails with ErrDuplicateDigest.
func (b *BlobStore) Put(ctx context.Context, msg *Message) error {
	return b.store.Update(ctx, func(tx Tx) error {
		return tx.Put(msg)
	})
}

// Get returns the message at (addr, digest).
func (b *BlobStore) Get(ctx context.Context, addr address.Address, digest Digest) (*Message, error) {
	var msg *Message
	err := b.store.View(ctx, func(tx Tx) error {
		var err error
		msg, err = tx.Get(addr, digest)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// List returns up to limit summaries for addr after the cursor.
func (b *BlobStore) List(ctx context.Context, addr address.Address, after Cursor, limit int) ([]Summary, error) {
	return b.store.List(ctx, addr, after, limit)
}

// Delete removes the message at (addr, digest).
func (b *BlobStore) Delete(ctx context.Context, addr address.Address, digest Digest) error {
	return b.store.Update(ctx, func(tx Tx) error {
		return tx.Delete(addr, digest)
	})
}

// Store returns the underlying backend.
func (b *BlobStore) Store() Store {
	return b.store
}
