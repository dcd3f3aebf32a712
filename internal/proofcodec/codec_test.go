package proofcodec

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/spacedatanetwork/sdn-relay/internal/payment"
)

func mintToken(t *testing.T, notAfter time.Time) *payment.Token {
	t.Helper()
	issuer, err := payment.NewIssuer([]byte("codec-secret"))
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	tok, err := issuer.Mint([]byte("codec-proof-01"), 4200, notAfter)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	return tok
}

func sameToken(a, b *payment.Token) bool {
	return bytes.Equal(a.ID, b.ID) &&
		a.Amount == b.Amount &&
		a.NotAfter.Equal(b.NotAfter) &&
		bytes.Equal(a.MAC, b.MAC)
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"proto", "flatbuffers"} {
		c, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q) failed: %v", name, err)
		}
		if c.Name() != name {
			t.Errorf("Lookup(%q) returned codec %q", name, c.Name())
		}
	}
	if _, err := Lookup("json"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
	if got := Names(); len(got) < 2 || got[0] != "flatbuffers" || got[1] != "proto" {
		t.Fatalf("unexpected codec names: %v", got)
	}
}

func TestCodecsRoundTripVerifiableTokens(t *testing.T) {
	verifier, err := payment.NewVerifier([]byte("codec-secret"))
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}

	tokens := map[string]*payment.Token{
		"no window":   mintToken(t, time.Time{}),
		"with window": mintToken(t, time.Now().Add(time.Hour)),
	}

	for _, codec := range []Codec{Proto{}, Flat{}} {
		for name, tok := range tokens {
			data, err := codec.Encode(tok)
			if err != nil {
				t.Fatalf("%s/%s: Encode failed: %v", codec.Name(), name, err)
			}
			decoded, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("%s/%s: Decode failed: %v", codec.Name(), name, err)
			}
			if !sameToken(tok, decoded) {
				t.Fatalf("%s/%s: decoded %+v, want %+v", codec.Name(), name, decoded, tok)
			}
			if _, err := verifier.Verify(context.Background(), decoded, 4200); err != nil {
				t.Fatalf("%s/%s: decoded token failed verification: %v", codec.Name(), name, err)
			}
		}
	}
}

func TestProtoSkipsUnknownFields(t *testing.T) {
	tok := mintToken(t, time.Time{})
	data, _ := Proto{}.Encode(tok)

	var extra []byte
	extra = protowire.AppendTag(extra, 15, protowire.BytesType)
	extra = protowire.AppendBytes(extra, []byte("future extension"))
	extra = protowire.AppendTag(extra, 16, protowire.VarintType)
	extra = protowire.AppendVarint(extra, 7)

	decoded, err := Proto{}.Decode(append(extra, data...))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !sameToken(tok, decoded) {
		t.Fatalf("decoded %+v, want %+v", decoded, tok)
	}
}

func TestProtoLastFieldWins(t *testing.T) {
	tok := mintToken(t, time.Time{})
	data, _ := Proto{}.Encode(tok)
	data = protowire.AppendTag(data, protoFieldAmount, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)

	decoded, err := Proto{}.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Amount != 1 {
		t.Fatalf("expected amount 1, got %d", decoded.Amount)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tok := mintToken(t, time.Time{})
	protoData, _ := Proto{}.Encode(tok)

	cases := []struct {
		name  string
		codec Codec
		data  []byte
	}{
		{"proto truncated", Proto{}, protoData[:len(protoData)-5]},
		{"proto bad tag", Proto{}, []byte{0x80}},
		{"flat empty", Flat{}, nil},
		{"flat short", Flat{}, []byte{1, 2, 3}},
		{"flat wrong identifier", Flat{}, []byte{8, 0, 0, 0, 'X', 'X', 'X', 'X'}},
		{"flat root out of range", Flat{}, []byte{0xff, 0xff, 0xff, 0x7f, 'P', 'R', 'F', '1'}},
	}
	for _, tc := range cases {
		_, err := tc.codec.Decode(tc.data)
		if !errors.Is(err, ErrDecode) {
			t.Errorf("%s: expected ErrDecode, got %v", tc.name, err)
			continue
		}
		if !errors.Is(err, payment.ErrProofMalformed) {
			t.Errorf("%s: decode error not classified as malformed proof: %v", tc.name, err)
		}
	}
}
