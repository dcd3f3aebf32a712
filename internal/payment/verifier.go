package payment

import (
	"context"
	"crypto/hmac"
	"fmt"
	"math"
	"math/bits"
	"time"
)

const defaultVerifyLeeway = 30 * time.Second

// VerifiedProof is a token that passed structure, authenticity, validity and
// amount checks. It has not been claimed.
type VerifiedProof struct {
	ID       []byte
	Amount   uint64
	Required uint64
}

// Verifier checks proof tokens against the relay's payment secret.
type Verifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLeeway sets the clock tolerance applied to token expiry.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d >= 0 {
			v.leeway = d
		}
	}
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier keyed by secret.
func NewVerifier(secret []byte, opts ...VerifierOption) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	v := &Verifier{
		secret: append([]byte(nil), secret...),
		leeway: defaultVerifyLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks tok and that it covers required. It never consults spent
// state and is safe for concurrent use.
func (v *Verifier) Verify(ctx context.Context, tok *Token, required uint64) (*VerifiedProof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tok.checkStructure(); err != nil {
		return nil, err
	}

	expected := computeMAC(v.secret, tok.ID, tok.Amount, tok.NotAfter)
	if !hmac.Equal(expected, tok.MAC) {
		return nil, fmt.Errorf("%w: %w", ErrProofMalformed, ErrProofSignature)
	}

	if !tok.NotAfter.IsZero() && v.now().After(tok.NotAfter.Add(v.leeway)) {
		return nil, ErrProofExpired
	}

	if tok.Amount < required {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrAmountInsufficient, tok.Amount, required)
	}

	return &VerifiedProof{
		ID:       append([]byte(nil), tok.ID...),
		Amount:   tok.Amount,
		Required: required,
	}, nil
}

// Fee is the admission price schedule.
type Fee struct {
	Base    uint64
	PerByte uint64
}

// Required returns Base + size*PerByte. ok is false when the price does not
// fit in a uint64.
func (f Fee) Required(size int) (amount uint64, ok bool) {
	if size < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(size), f.PerByte)
	if hi != 0 {
		return math.MaxUint64, false
	}
	sum, carry := bits.Add64(lo, f.Base, 0)
	if carry != 0 {
		return math.MaxUint64, false
	}
	return sum, true
}
