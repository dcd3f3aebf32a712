package proofcodec

import (
	"fmt"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/spacedatanetwork/sdn-relay/internal/payment"
)

// Flat decodes the FlatBuffers ProofToken table from proof.fbs. Buffers must
// carry the PRF1 file identifier.
type Flat struct{}

// Name implements Codec.
func (Flat) Name() string { return "flatbuffers" }

// Decode implements Codec. Out-of-range offsets in a corrupt buffer are
// reported as decode errors.
func (Flat) Decode(data []byte) (tok *payment.Token, err error) {
	if len(data) < flatbuffers.SizeUOffsetT+4 || !ProofTokenBufferHasIdentifier(data) {
		return nil, fmt.Errorf("%w: missing %s identifier", ErrDecode, ProofTokenIdentifier)
	}

	defer func() {
		if r := recover(); r != nil {
			tok = nil
			err = fmt.Errorf("%w: corrupt buffer: %v", ErrDecode, r)
		}
	}()

	fb := GetRootAsProofToken(data, 0)
	tok = &payment.Token{
		ID:     append([]byte(nil), fb.IdBytes()...),
		Amount: fb.Amount(),
		MAC:    append([]byte(nil), fb.MacBytes()...),
	}
	if secs := fb.NotAfter(); secs != 0 {
		tok.NotAfter = time.Unix(secs, 0).UTC()
	}
	return tok, nil
}

// Encode implements Codec.
func (Flat) Encode(tok *payment.Token) ([]byte, error) {
	if tok == nil {
		return nil, fmt.Errorf("%w: nil token", ErrDecode)
	}
	builder := flatbuffers.NewBuilder(128)

	var idOffset, macOffset flatbuffers.UOffsetT
	if len(tok.ID) > 0 {
		idOffset = builder.CreateByteVector(tok.ID)
	}
	if len(tok.MAC) > 0 {
		macOffset = builder.CreateByteVector(tok.MAC)
	}

	ProofTokenStart(builder)
	if idOffset != 0 {
		ProofTokenAddId(builder, idOffset)
	}
	ProofTokenAddAmount(builder, tok.Amount)
	if !tok.NotAfter.IsZero() {
		ProofTokenAddNotAfter(builder, tok.NotAfter.Unix())
	}
	if macOffset != 0 {
		ProofTokenAddMac(builder, macOffset)
	}
	root := ProofTokenEnd(builder)
	builder.FinishWithFileIdentifier(root, []byte(ProofTokenIdentifier))

	out := make([]byte, len(builder.FinishedBytes()))
	copy(out, builder.FinishedBytes())
	return out, nil
}
