package relay

import (
	"errors"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
	"github.com/spacedatanetwork/sdn-relay/internal/auth"
	"github.com/spacedatanetwork/sdn-relay/internal/payment"
	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

var (
	// ErrPayloadTooLarge is returned for ciphertexts above the size limit or
	// whose fee does not fit in a uint64.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrEmptyPayload is returned for zero-length ciphertexts.
	ErrEmptyPayload = errors.New("payload empty")
	// ErrProofAlreadyUsed is returned when a proof id was claimed before.
	ErrProofAlreadyUsed = errors.New("proof already used")
	// ErrUnauthorized is returned when owner authentication fails.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStaleProfile is returned for a profile signed no later than the
	// one already published.
	ErrStaleProfile = errors.New("profile is not newer than the published one")
	// ErrWatchUnavailable is returned when no broker is configured.
	ErrWatchUnavailable = errors.New("push notifications are disabled")
)

// Kind classifies every error the relay returns.
type Kind int

const (
	KindIOFailure Kind = iota
	KindInvalidAddress
	KindProofMalformed
	KindPayloadTooLarge
	KindAmountInsufficient
	KindProofExpired
	KindProofAlreadyUsed
	KindDuplicateDigest
	KindNotFound
	KindUnauthorized
	KindInvalidProfile
	KindUnavailable
)

var kindNames = map[Kind]string{
	KindIOFailure:          "io_failure",
	KindInvalidAddress:     "invalid_address",
	KindProofMalformed:     "proof_malformed",
	KindPayloadTooLarge:    "payload_too_large",
	KindAmountInsufficient: "amount_insufficient",
	KindProofExpired:       "proof_expired",
	KindProofAlreadyUsed:   "proof_already_used",
	KindDuplicateDigest:    "duplicate_digest",
	KindNotFound:           "not_found",
	KindUnauthorized:       "unauthorized",
	KindInvalidProfile:     "invalid_profile",
	KindUnavailable:        "unavailable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Retryable reports whether the same request may succeed if repeated.
// Only transient storage failures qualify; a proof is never consumed by a
// request that failed this way.
func (k Kind) Retryable() bool {
	return k == KindIOFailure
}

// classification is checked in order; the first match wins.
var classification = []struct {
	target error
	kind   Kind
}{
	{ErrUnauthorized, KindUnauthorized},
	{auth.ErrInvalidProfile, KindInvalidProfile},
	{ErrStaleProfile, KindInvalidProfile},
	{ErrWatchUnavailable, KindUnavailable},
	{address.ErrInvalidAddress, KindInvalidAddress},
	{ErrEmptyPayload, KindPayloadTooLarge},
	{ErrPayloadTooLarge, KindPayloadTooLarge},
	{payment.ErrProofMalformed, KindProofMalformed},
	{payment.ErrProofExpired, KindProofExpired},
	{payment.ErrAmountInsufficient, KindAmountInsufficient},
	{ErrProofAlreadyUsed, KindProofAlreadyUsed},
	{storage.ErrDuplicateDigest, KindDuplicateDigest},
	{storage.ErrNotFound, KindNotFound},
	{storage.ErrIO, KindIOFailure},
}

// KindOf classifies err. Errors that match no known sentinel, including
// context cancellation, are reported as KindIOFailure.
func KindOf(err error) Kind {
	for _, c := range classification {
		if errors.Is(err, c.target) {
			return c.kind
		}
	}
	return KindIOFailure
}
