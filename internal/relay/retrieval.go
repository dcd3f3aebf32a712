package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
	"github.com/spacedatanetwork/sdn-relay/internal/auth"
	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

// Authenticator establishes that a credential controls an address.
type Authenticator interface {
	Authenticate(ctx context.Context, addr address.Address, cred auth.Credential) error
}

// RetrievalService serves stored messages to their owners. Messages past
// their expiry are invisible even before the sweeper removes them.
type RetrievalService struct {
	store    storage.Store
	blobs    *storage.BlobStore
	authn    Authenticator
	broker   *Broker
	now      func() time.Time
	pageSize int
}

// NewRetrievalService creates a service reading from store.
func NewRetrievalService(store storage.Store, authn Authenticator, opts ...Option) (*RetrievalService, error) {
	if store == nil || authn == nil {
		return nil, errors.New("retrieval service requires a store and an authenticator")
	}
	o := buildOptions(opts)
	return &RetrievalService{
		store:    store,
		blobs:    storage.NewBlobStore(store),
		authn:    authn,
		broker:   o.broker,
		now:      o.now,
		pageSize: o.pageSize,
	}, nil
}

func (s *RetrievalService) authenticate(ctx context.Context, addr address.Address, cred auth.Credential) error {
	err := s.authn.Authenticate(ctx, addr, cred)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	log.Debugf("Denied access to %s: %v", addr, err)
	return fmt.Errorf("%w: %v", ErrUnauthorized, err)
}

// Fetch returns the message stored at (addr, digest).
func (s *RetrievalService) Fetch(ctx context.Context, addr address.Address, digest storage.Digest, cred auth.Credential) (*storage.Message, error) {
	if err := s.authenticate(ctx, addr, cred); err != nil {
		return nil, err
	}
	msg, err := s.blobs.Get(ctx, addr, digest)
	if err != nil {
		return nil, err
	}
	if msg.Expired(wallClock(s.now)) {
		return nil, storage.ErrNotFound
	}
	return msg, nil
}

// ListPage returns up to limit live summaries after the cursor, along with
// the cursor to resume from. A page shorter than limit ends the listing.
func (s *RetrievalService) ListPage(ctx context.Context, addr address.Address, cred auth.Credential, after storage.Cursor, limit int) ([]storage.Summary, storage.Cursor, error) {
	if err := s.authenticate(ctx, addr, cred); err != nil {
		return nil, after, err
	}
	return s.page(ctx, addr, after, limit)
}

// page reads live summaries, skipping expired ones, until limit are
// collected or the listing is exhausted.
func (s *RetrievalService) page(ctx context.Context, addr address.Address, after storage.Cursor, limit int) ([]storage.Summary, storage.Cursor, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	now := wallClock(s.now)
	next := after
	var out []storage.Summary
	for len(out) < limit {
		want := limit - len(out)
		batch, err := s.blobs.List(ctx, addr, next, want)
		if err != nil {
			return nil, after, err
		}
		for _, sum := range batch {
			next = storage.CursorAfter(sum)
			if sum.Expired(now) {
				continue
			}
			out = append(out, sum)
		}
		if len(batch) < want {
			break
		}
	}
	return out, next, nil
}

// List returns a lazy iterator over the live summaries of addr after the
// cursor. Authentication happens on the first call to Next.
func (s *RetrievalService) List(ctx context.Context, addr address.Address, cred auth.Credential, after storage.Cursor) *Iterator {
	return &Iterator{
		svc:    s,
		ctx:    ctx,
		addr:   addr,
		cred:   cred,
		cursor: after,
	}
}

// Delete removes the message at (addr, digest).
func (s *RetrievalService) Delete(ctx context.Context, addr address.Address, digest storage.Digest, cred auth.Credential) error {
	if err := s.authenticate(ctx, addr, cred); err != nil {
		return err
	}
	now := wallClock(s.now)
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		msg, err := tx.Get(addr, digest)
		if err != nil {
			return err
		}
		if msg.Expired(now) {
			return storage.ErrNotFound
		}
		return tx.Delete(addr, digest)
	})
	if err != nil {
		return err
	}
	log.Infof("Owner deleted %s for %s", digest, addr)
	return nil
}

// Watch subscribes the owner of addr to messages admitted from now on.
// The caller must call cancel when done.
func (s *RetrievalService) Watch(ctx context.Context, addr address.Address, cred auth.Credential) (<-chan Notification, func(), error) {
	if s.broker == nil {
		return nil, nil, ErrWatchUnavailable
	}
	if err := s.authenticate(ctx, addr, cred); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.broker.Subscribe(addr)
	log.Debugf("Owner watching %s", addr)
	return ch, cancel, nil
}

// Iterator walks an address's summaries in (received_at, digest) order.
// It is finite: it stops at the newest message present when the last page
// was read. A stopped iterator can be resumed from Cursor with a new List.
type Iterator struct {
	svc    *RetrievalService
	ctx    context.Context
	addr   address.Address
	cred   auth.Credential
	cursor storage.Cursor

	authed    bool
	buf       []storage.Summary
	current   storage.Summary
	exhausted bool
	done      bool
	err       error
}

// Next advances to the next summary.
func (it *Iterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if !it.authed {
		if err := it.svc.authenticate(it.ctx, it.addr, it.cred); err != nil {
			it.err = err
			return false
		}
		it.authed = true
	}

	if len(it.buf) == 0 {
		if it.exhausted {
			it.done = true
			return false
		}
		page, _, err := it.svc.page(it.ctx, it.addr, it.cursor, it.svc.pageSize)
		if err != nil {
			it.err = err
			return false
		}
		it.exhausted = len(page) < it.svc.pageSize
		if len(page) == 0 {
			it.done = true
			return false
		}
		it.buf = page
	}

	it.current = it.buf[0]
	it.buf = it.buf[1:]
	it.cursor = storage.CursorAfter(it.current)
	return true
}

// Summary returns the summary Next advanced to.
func (it *Iterator) Summary() storage.Summary {
	return it.current
}

// Cursor returns the position after the current summary.
func (it *Iterator) Cursor() storage.Cursor {
	return it.cursor
}

// Err returns the error that stopped the iterator, if any.
func (it *Iterator) Err() error {
	return it.err
}
