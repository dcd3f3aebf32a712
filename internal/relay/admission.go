package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
	"github.com/spacedatanetwork/sdn-relay/internal/payment"
	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

// ProofVerifier checks a proof token against the fee a message requires.
type ProofVerifier interface {
	Verify(ctx context.Context, tok *payment.Token, required uint64) (*payment.VerifiedProof, error)
}

// AdmissionConfig holds the admission policy.
type AdmissionConfig struct {
	// MaxPayloadSize is the largest accepted ciphertext in bytes.
	MaxPayloadSize int
	// Retention is how long an admitted message is kept.
	Retention time.Duration
	// Fee prices a message by size.
	Fee payment.Fee
}

// Result describes an admitted message.
type Result struct {
	Address address.Address
	Message storage.Summary
	// Duplicate is set when the message was already stored. The proof
	// presented with a duplicate is not consumed.
	Duplicate bool
}

// AdmissionEngine validates and stores incoming messages.
type AdmissionEngine struct {
	store    storage.Store
	verifier ProofVerifier
	tracker  *SpentProofTracker
	broker   *Broker
	cfg      AdmissionConfig
	now      func() time.Time
}

// NewAdmissionEngine creates an engine storing into store.
func NewAdmissionEngine(store storage.Store, verifier ProofVerifier, cfg AdmissionConfig, opts ...Option) (*AdmissionEngine, error) {
	if store == nil || verifier == nil {
		return nil, errors.New("admission engine requires a store and a verifier")
	}
	if cfg.MaxPayloadSize <= 0 {
		return nil, fmt.Errorf("invalid max payload size %d", cfg.MaxPayloadSize)
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("invalid retention %s", cfg.Retention)
	}

	o := buildOptions(opts)
	tracker := NewSpentProofTracker(store)
	tracker.now = o.now

	return &AdmissionEngine{
		store:    store,
		verifier: verifier,
		tracker:  tracker,
		broker:   o.broker,
		cfg:      cfg,
		now:      o.now,
	}, nil
}

// Tracker returns the engine's spent proof tracker.
func (e *AdmissionEngine) Tracker() *SpentProofTracker {
	return e.tracker
}

// Accept admits ciphertext for the owner of identity, paid for by proof.
// The proof must cover the size-based fee and any minimum the owner set
// with a filter.
//
// Once the proof has been verified, the claim and the write run to
// completion even if ctx is cancelled: either both commit or neither does.
func (e *AdmissionEngine) Accept(ctx context.Context, identity, ciphertext []byte, proof *payment.Token) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr, err := address.Resolve(identity)
	if err != nil {
		return nil, err
	}

	size := len(ciphertext)
	if size == 0 {
		return nil, ErrEmptyPayload
	}
	if size > e.cfg.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, size, e.cfg.MaxPayloadSize)
	}

	digest := storage.DigestOf(ciphertext)

	required, err := e.price(ctx, addr, size)
	if err != nil {
		return nil, err
	}

	verified, err := e.verifier.Verify(ctx, proof, required)
	if err != nil {
		log.Debugf("Rejected proof for %s: %v", addr, err)
		return nil, err
	}

	now := wallClock(e.now)
	msg := &storage.Message{
		Address:    addr,
		Digest:     digest,
		Payload:    append([]byte(nil), ciphertext...),
		ReceivedAt: now,
		ExpiresAt:  now.Add(e.cfg.Retention),
	}

	result := &Result{Address: addr}
	err = e.store.Update(context.WithoutCancel(ctx), func(tx storage.Tx) error {
		existing, err := tx.Get(addr, digest)
		switch {
		case err == nil && !existing.Expired(now):
			// A spent proof stays spent, even for identical content.
			spent, err := tx.IsClaimed(verified.ID)
			if err != nil {
				return err
			}
			if spent {
				return fmt.Errorf("%w: %x", ErrProofAlreadyUsed, verified.ID)
			}
			result.Message = existing.Summary()
			result.Duplicate = true
			return nil
		case err == nil:
			// Expired but not yet swept; replace it.
			if err := tx.Delete(addr, digest); err != nil {
				return err
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		claimed, err := e.tracker.ClaimTx(tx, verified.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return fmt.Errorf("%w: %x", ErrProofAlreadyUsed, verified.ID)
		}

		if err := tx.Put(msg); err != nil {
			return err
		}
		result.Message = msg.Summary()
		return nil
	})
	if err != nil {
		if KindOf(err) == KindIOFailure {
			log.Warnf("Failed to admit %s for %s: %v", digest, addr, err)
		} else {
			log.Debugf("Rejected %s for %s: %v", digest, addr, err)
		}
		return nil, err
	}

	if result.Duplicate {
		log.Debugf("Duplicate submission of %s for %s", digest, addr)
	} else {
		log.Infof("Admitted %s for %s (%d bytes, paid %d of %d)", digest, addr, size, verified.Amount, required)
		if e.broker != nil {
			e.broker.Publish(Notification{Address: addr, Summary: result.Message, Payload: msg.Payload})
		}
	}
	return result, nil
}
