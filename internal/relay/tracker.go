package relay

import (
	"context"
	"time"

	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

// SpentProofTracker records which proof ids have been consumed. Claims live
// in the same store as messages, so the admission engine can claim inside
// its storage transaction with ClaimTx.
type SpentProofTracker struct {
	store storage.Store
	now   func() time.Time
}

// NewSpentProofTracker creates a tracker over store.
func NewSpentProofTracker(store storage.Store) *SpentProofTracker {
	return &SpentProofTracker{store: store, now: time.Now}
}

// TryClaim atomically marks id as spent. It returns true for exactly one
// caller per id, however many race.
func (t *SpentProofTracker) TryClaim(ctx context.Context, id []byte) (bool, error) {
	var claimed bool
	err := t.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		claimed, err = t.ClaimTx(tx, id)
		return err
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// ClaimTx claims id within an existing transaction.
func (t *SpentProofTracker) ClaimTx(tx storage.Tx, id []byte) (bool, error) {
	return tx.TryClaim(id, t.now())
}

// IsClaimed reports whether id has been spent.
func (t *SpentProofTracker) IsClaimed(ctx context.Context, id []byte) (bool, error) {
	var claimed bool
	err := t.store.View(ctx, func(tx storage.Tx) error {
		var err error
		claimed, err = tx.IsClaimed(id)
		return err
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}
