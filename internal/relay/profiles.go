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

// DefaultMaxProfileSize bounds a profile when no limit is configured.
const DefaultMaxProfileSize = 512 * 1024

// ProfileService publishes owner-signed profiles. Anyone may read a
// profile; only a signature by the address's key can replace it, and only
// with a newer one.
type ProfileService struct {
	store   storage.Store
	maxSize int
	now     func() time.Time
}

// NewProfileService creates a service storing into store. A non-positive
// maxSize selects DefaultMaxProfileSize.
func NewProfileService(store storage.Store, maxSize int, opts ...Option) (*ProfileService, error) {
	if store == nil {
		return nil, errors.New("profile service requires a store")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxProfileSize
	}
	o := buildOptions(opts)
	return &ProfileService{
		store:   store,
		maxSize: maxSize,
		now:     o.now,
	}, nil
}

// Put publishes data as the profile of addr. sig must come from
// auth.SignProfile with the address's key.
func (s *ProfileService) Put(ctx context.Context, addr address.Address, data []byte, sig auth.Credential) (*storage.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(data) > s.maxSize {
		return nil, fmt.Errorf("%w: profile of %d bytes exceeds limit of %d", ErrPayloadTooLarge, len(data), s.maxSize)
	}
	if err := auth.VerifyProfile(addr, data, sig); err != nil {
		log.Debugf("Rejected profile for %s: %v", addr, err)
		return nil, err
	}
	// A far-future timestamp would block every later update.
	if sig.Timestamp.After(s.now().Add(auth.DefaultClockSkew)) {
		return nil, fmt.Errorf("%w: signed in the future", auth.ErrInvalidProfile)
	}

	profile := &storage.Profile{
		Data:      append([]byte(nil), data...),
		PublicKey: append([]byte(nil), sig.PublicKey...),
		Signature: append([]byte(nil), sig.Signature...),
		SignedAt:  time.Unix(sig.Timestamp.Unix(), 0).UTC(),
	}
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		existing, err := tx.GetProfile(addr)
		switch {
		case err == nil && !profile.SignedAt.After(existing.SignedAt):
			return fmt.Errorf("%w: signed %s, published %s", ErrStaleProfile,
				profile.SignedAt.Format(time.RFC3339), existing.SignedAt.Format(time.RFC3339))
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return err
		}
		return tx.PutProfile(addr, profile)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Published profile for %s (%d bytes)", addr, len(data))
	return profile, nil
}

// Get returns the profile published for addr.
func (s *ProfileService) Get(ctx context.Context, addr address.Address) (*storage.Profile, error) {
	var p *storage.Profile
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.GetProfile(addr)
		return err
	})
	return p, err
}
