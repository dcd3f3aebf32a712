// Package payment validates the proof tokens that pay for message admission.
//
// A proof token carries a unique id, an amount and an optional validity
// window, authenticated with an HMAC-SHA256 keyed by the relay's payment
// secret. Verification is pure: whether a token has already been spent is
// tracked elsewhere.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("relay-payment")

const (
	// MinIDLen and MaxIDLen bound the size of a proof token id.
	MinIDLen = 8
	MaxIDLen = 64

	// MACLen is the size of the token authenticator.
	MACLen = sha256.Size

	macDomain = "sdn-relay-proof-v1"
)

var (
	// ErrProofMalformed indicates a structurally invalid token.
	ErrProofMalformed = errors.New("proof malformed")
	// ErrProofSignature indicates the token authenticator did not verify.
	ErrProofSignature = errors.New("proof signature invalid")
	// ErrProofExpired indicates the token's validity window has passed.
	ErrProofExpired = errors.New("proof expired")
	// ErrAmountInsufficient indicates the token does not cover the required fee.
	ErrAmountInsufficient = errors.New("amount insufficient")
	// ErrNoSecret indicates a verifier or issuer was built without a key.
	ErrNoSecret = errors.New("payment secret not configured")
)

// Token is a decoded proof of payment.
type Token struct {
	ID       []byte
	Amount   uint64
	NotAfter time.Time // zero means no validity window
	MAC      []byte
}

// IDString returns the token id in a loggable form.
func (t *Token) IDString() string {
	return fmt.Sprintf("%x", t.ID)
}

// checkStructure validates field sizes before any cryptographic work.
func (t *Token) checkStructure() error {
	if t == nil {
		return fmt.Errorf("%w: nil token", ErrProofMalformed)
	}
	if len(t.ID) < MinIDLen || len(t.ID) > MaxIDLen {
		return fmt.Errorf("%w: id length %d outside [%d, %d]", ErrProofMalformed, len(t.ID), MinIDLen, MaxIDLen)
	}
	if len(t.MAC) != MACLen {
		return fmt.Errorf("%w: mac length %d, want %d", ErrProofMalformed, len(t.MAC), MACLen)
	}
	return nil
}

// computeMAC authenticates every field except the MAC itself.
func computeMAC(secret []byte, id []byte, amount uint64, notAfter time.Time) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(macDomain))
	mac.Write([]byte{byte(len(id))})
	mac.Write(id)

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], amount)
	var expiry int64
	if !notAfter.IsZero() {
		expiry = notAfter.Unix()
	}
	binary.BigEndian.PutUint64(buf[8:16], uint64(expiry))
	mac.Write(buf[:])

	return mac.Sum(nil)
}

// Issuer mints proof tokens. Relays use it for operator tooling; payment
// front-ends holding the same secret use it to sell tokens.
type Issuer struct {
	secret []byte
}

// NewIssuer creates an issuer keyed by secret.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return &Issuer{secret: append([]byte(nil), secret...)}, nil
}

// Mint creates a token for id worth amount. A zero notAfter yields a token
// without a validity window.
func (i *Issuer) Mint(id []byte, amount uint64, notAfter time.Time) (*Token, error) {
	tok := &Token{
		ID:       append([]byte(nil), id...),
		Amount:   amount,
		NotAfter: truncateSeconds(notAfter),
	}
	tok.MAC = computeMAC(i.secret, tok.ID, tok.Amount, tok.NotAfter)
	if err := tok.checkStructure(); err != nil {
		return nil, err
	}
	log.Debugf("Minted proof %s for %d", tok.IDString(), amount)
	return tok, nil
}

func truncateSeconds(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Unix(t.Unix(), 0).UTC()
}
