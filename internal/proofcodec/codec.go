// Package proofcodec decodes proof tokens from their wire schema.
//
// The wire schema is versioned independently of admission: the engine only
// ever sees payment.Token values. Codecs are looked up by name so a relay can
// switch schemas through configuration.
package proofcodec

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spacedatanetwork/sdn-relay/internal/payment"
)

// ErrDecode wraps every decode failure. It is classified as a malformed proof.
var ErrDecode = fmt.Errorf("%w: decode failed", payment.ErrProofMalformed)

// ErrUnknownCodec is returned by Lookup for unregistered names.
var ErrUnknownCodec = errors.New("unknown proof codec")

// Codec converts proof tokens to and from a wire schema.
type Codec interface {
	Name() string
	Decode(data []byte) (*payment.Token, error)
	Encode(tok *payment.Token) ([]byte, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Codec{}
)

func init() {
	Register(Proto{})
	Register(Flat{})
}

// Register makes a codec available to Lookup. A later registration under the
// same name replaces the earlier one.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Name()] = c
}

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// Names lists registered codecs in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
