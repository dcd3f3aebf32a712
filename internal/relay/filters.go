package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
	"github.com/spacedatanetwork/sdn-relay/internal/auth"
	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

// SetFilter replaces the filter on addr's mailbox. From then on a message
// for addr must carry at least max(fee, f.MinAmount).
func (s *RetrievalService) SetFilter(ctx context.Context, addr address.Address, cred auth.Credential, f storage.Filter) (*storage.Filter, error) {
	if err := s.authenticate(ctx, addr, cred); err != nil {
		return nil, err
	}
	f.UpdatedAt = wallClock(s.now)
	if err := s.store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutFilter(addr, &f)
	}); err != nil {
		return nil, err
	}
	log.Infof("Owner set filter for %s (min %d, public %t)", addr, f.MinAmount, f.Public)
	return &f, nil
}

// Filter returns the filter on addr's mailbox. A public filter is returned
// to anyone; otherwise, and when no filter exists, cred must authenticate
// the owner.
func (s *RetrievalService) Filter(ctx context.Context, addr address.Address, cred auth.Credential) (*storage.Filter, error) {
	f, err := s.loadFilter(ctx, addr)
	if err == nil && f.Public {
		return f, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err := s.authenticate(ctx, addr, cred); err != nil {
		return nil, err
	}
	if f == nil {
		return nil, storage.ErrNotFound
	}
	return f, nil
}

func (s *RetrievalService) loadFilter(ctx context.Context, addr address.Address) (*storage.Filter, error) {
	var f *storage.Filter
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		f, err = tx.GetFilter(addr)
		return err
	})
	return f, err
}

// price returns what a message of size bytes for addr must pay.
func (e *AdmissionEngine) price(ctx context.Context, addr address.Address, size int) (uint64, error) {
	required, ok := e.cfg.Fee.Required(size)
	if !ok {
		return 0, fmt.Errorf("%w: fee for %d bytes overflows", ErrPayloadTooLarge, size)
	}

	var f *storage.Filter
	err := e.store.View(ctx, func(tx storage.Tx) error {
		var err error
		f, err = tx.GetFilter(addr)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return 0, err
	case f.MinAmount > required:
		required = f.MinAmount
	}
	return required, nil
}
