// Package auth authenticates address owners.
//
// An owner proves control of an address by signing a timestamped statement
// with the secp256k1 key the address was derived from:
//
//	SHA256("sdn-relay-owner:" || address || ":" || unix_seconds)
//
// The signature is DER-encoded ECDSA. Statements are accepted within a
// clock skew window around the relay's time.
package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
)

var log = logging.Logger("relay-auth")

// DefaultClockSkew bounds how far a credential timestamp may drift.
const DefaultClockSkew = 2 * time.Minute

const statementPrefix = "sdn-relay-owner:"

// ErrUnauthorized is returned for every rejected credential.
var ErrUnauthorized = errors.New("owner authentication failed")

// Credential is a signed ownership statement.
type Credential struct {
	PublicKey []byte
	Timestamp time.Time
	Signature []byte
}

// Statement returns the hash an owner signs for addr at ts.
func Statement(addr address.Address, ts time.Time) []byte {
	msg := statementPrefix + addr.String() + ":" + strconv.FormatInt(ts.Unix(), 10)
	sum := sha256.Sum256([]byte(msg))
	return sum[:]
}

// Sign produces a credential for the address derived from key.
func Sign(key *secp256k1.PrivateKey, ts time.Time) (Credential, address.Address, error) {
	pub := key.PubKey().SerializeCompressed()
	addr, err := address.Resolve(pub)
	if err != nil {
		return Credential{}, addr, err
	}
	ts = time.Unix(ts.Unix(), 0).UTC()
	sig := ecdsa.Sign(key, Statement(addr, ts))
	return Credential{
		PublicKey: pub,
		Timestamp: ts,
		Signature: sig.Serialize(),
	}, addr, nil
}

// Verifier checks owner credentials.
type Verifier struct {
	clockSkew time.Duration
	now       func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock sets the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a verifier accepting timestamps within clockSkew.
// A non-positive skew selects DefaultClockSkew.
func NewVerifier(clockSkew time.Duration, opts ...VerifierOption) *Verifier {
	if clockSkew <= 0 {
		clockSkew = DefaultClockSkew
	}
	v := &Verifier{
		clockSkew: clockSkew,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Authenticate checks that cred proves ownership of addr.
func (v *Verifier) Authenticate(ctx context.Context, addr address.Address, cred Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	owner, err := address.Resolve(cred.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: invalid public key", ErrUnauthorized)
	}
	if owner != addr {
		return fmt.Errorf("%w: key does not control %s", ErrUnauthorized, addr)
	}

	diff := v.now().Sub(cred.Timestamp)
	if diff < -v.clockSkew || diff > v.clockSkew {
		return fmt.Errorf("%w: timestamp outside allowable skew", ErrUnauthorized)
	}

	sig, err := ecdsa.ParseDERSignature(cred.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrUnauthorized)
	}
	pub, err := secp256k1.ParsePubKey(cred.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: invalid public key", ErrUnauthorized)
	}
	if !sig.Verify(Statement(addr, cred.Timestamp), pub) {
		log.Debugf("Signature check failed for %s", addr)
		return fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	}
	return nil
}
