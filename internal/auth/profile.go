package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
)

const profilePrefix = "sdn-relay-profile:"

// ErrInvalidProfile is returned when a profile signature does not verify.
var ErrInvalidProfile = errors.New("invalid profile signature")

// ProfileStatement returns the hash an owner signs to publish data for addr.
// The timestamp orders successive profiles of the same address.
func ProfileStatement(addr address.Address, data []byte, ts time.Time) []byte {
	inner := sha256.Sum256(data)
	msg := profilePrefix + addr.String() + ":" + strconv.FormatInt(ts.Unix(), 10) + ":" + hex.EncodeToString(inner[:])
	sum := sha256.Sum256([]byte(msg))
	return sum[:]
}

// SignProfile signs data as the profile of the address derived from key.
func SignProfile(key *secp256k1.PrivateKey, data []byte, ts time.Time) (Credential, address.Address, error) {
	pub := key.PubKey().SerializeCompressed()
	addr, err := address.Resolve(pub)
	if err != nil {
		return Credential{}, addr, err
	}
	ts = time.Unix(ts.Unix(), 0).UTC()
	sig := ecdsa.Sign(key, ProfileStatement(addr, data, ts))
	return Credential{
		PublicKey: pub,
		Timestamp: ts,
		Signature: sig.Serialize(),
	}, addr, nil
}

// VerifyProfile checks that cred signs data as the profile of addr. Unlike
// owner credentials, profile signatures do not expire.
func VerifyProfile(addr address.Address, data []byte, cred Credential) error {
	owner, err := address.Resolve(cred.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: invalid public key", ErrInvalidProfile)
	}
	if owner != addr {
		return fmt.Errorf("%w: key does not control %s", ErrInvalidProfile, addr)
	}
	sig, err := ecdsa.ParseDERSignature(cred.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrInvalidProfile)
	}
	pub, err := secp256k1.ParsePubKey(cred.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: invalid public key", ErrInvalidProfile)
	}
	if !sig.Verify(ProfileStatement(addr, data, cred.Timestamp), pub) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidProfile)
	}
	return nil
}
