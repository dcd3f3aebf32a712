package proofcodec

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/spacedatanetwork/sdn-relay/internal/payment"
)

// Field numbers from proof.proto.
const (
	protoFieldID       protowire.Number = 1
	protoFieldAmount   protowire.Number = 2
	protoFieldNotAfter protowire.Number = 3
	protoFieldMAC      protowire.Number = 4
)

// Proto decodes the protobuf ProofToken message. Unknown fields are skipped.
type Proto struct{}

// Name implements Codec.
func (Proto) Name() string { return "proto" }

// Decode implements Codec.
func (Proto) Decode(data []byte) (*payment.Token, error) {
	tok := &payment.Token{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == protoFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: id: %v", ErrDecode, protowire.ParseError(n))
			}
			tok.ID = append([]byte(nil), v...)
			data = data[n:]
		case num == protoFieldAmount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: amount: %v", ErrDecode, protowire.ParseError(n))
			}
			tok.Amount = v
			data = data[n:]
		case num == protoFieldNotAfter && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: not_after: %v", ErrDecode, protowire.ParseError(n))
			}
			tok.NotAfter = time.Time{}
			if secs := int64(v); secs != 0 {
				tok.NotAfter = time.Unix(secs, 0).UTC()
			}
			data = data[n:]
		case num == protoFieldMAC && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: mac: %v", ErrDecode, protowire.ParseError(n))
			}
			tok.MAC = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return tok, nil
}

// Encode implements Codec.
func (Proto) Encode(tok *payment.Token) ([]byte, error) {
	if tok == nil {
		return nil, fmt.Errorf("%w: nil token", ErrDecode)
	}
	var b []byte
	if len(tok.ID) > 0 {
		b = protowire.AppendTag(b, protoFieldID, protowire.BytesType)
		b = protowire.AppendBytes(b, tok.ID)
	}
	if tok.Amount != 0 {
		b = protowire.AppendTag(b, protoFieldAmount, protowire.VarintType)
		b = protowire.AppendVarint(b, tok.Amount)
	}
	if !tok.NotAfter.IsZero() {
		b = protowire.AppendTag(b, protoFieldNotAfter, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(tok.NotAfter.Unix()))
	}
	if len(tok.MAC) > 0 {
		b = protowire.AppendTag(b, protoFieldMAC, protowire.BytesType)
		b = protowire.AppendBytes(b, tok.MAC)
	}
	return b, nil
}
