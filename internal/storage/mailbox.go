package storage

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/spacedatanetwork/sdn-relay/internal/address"
)

// Filter is an owner's admission policy for their mailbox.
type Filter struct {
	// MinAmount is the least a proof must carry, whatever the message size.
	MinAmount uint64
	// Public filters are readable by senders without owner credentials.
	Public    bool
	UpdatedAt time.Time
}

// Profile is an owner-signed metadata blob published under an address.
type Profile struct {
	Data      []byte
	PublicKey []byte
	Signature []byte
	SignedAt  time.Time
}

func validateOwner(addr address.Address) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidMessage)
	}
	return nil
}

func (p *Profile) validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil profile", ErrInvalidMessage)
	}
	if len(p.PublicKey) == 0 || len(p.Signature) == 0 {
		return fmt.Errorf("%w: unsigned profile", ErrInvalidMessage)
	}
	return nil
}

// Filter and profile values in bolt are protobuf wire messages:
//
//	filter:  1 min_amount (varint), 2 public (varint), 3 updated_at (varint ns)
//	profile: 1 data, 2 public_key, 3 signature (bytes), 4 signed_at (varint s)

func encodeFilter(f *Filter) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, f.MinAmount)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(f.Public))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(toNanos(f.UpdatedAt)))
	return b
}

func decodeFilter(b []byte) (*Filter, error) {
	f := &Filter{}
	err := walkFields(b, func(num protowire.Number, v uint64, _ []byte) {
		switch num {
		case 1:
			f.MinAmount = v
		case 2:
			f.Public = protowire.DecodeBool(v)
		case 3:
			f.UpdatedAt = fromNanos(int64(v))
		}
	})
	if err != nil {
		return nil, ioError("decode filter", err)
	}
	return f, nil
}

func encodeProfile(p *Profile) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Data)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, p.PublicKey)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Signature)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.SignedAt.Unix()))
	return b
}

func decodeProfile(b []byte) (*Profile, error) {
	p := &Profile{Data: []byte{}}
	err := walkFields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			p.Data = append([]byte{}, raw...)
		case 2:
			p.PublicKey = append([]byte(nil), raw...)
		case 3:
			p.Signature = append([]byte(nil), raw...)
		case 4:
			p.SignedAt = time.Unix(int64(v), 0).UTC()
		}
	})
	if err != nil {
		return nil, ioError("decode profile", err)
	}
	return p, nil
}

// walkFields calls fn for every varint or bytes field in b.
func walkFields(b []byte, fn func(num protowire.Number, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, v, nil)
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, 0, raw)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
