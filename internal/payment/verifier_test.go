package payment

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

var testSecret = []byte("relay-test-secret")

func newTestPair(t *testing.T, now time.Time) (*Issuer, *Verifier) {
	t.Helper()
	issuer, err := NewIssuer(testSecret)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	verifier, err := NewVerifier(testSecret, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	return issuer, verifier
}

func TestVerifyAcceptsExactAmount(t *testing.T) {
	issuer, verifier := newTestPair(t, time.Now())

	tok, err := issuer.Mint([]byte("proof-0001"), 1000, time.Time{})
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	vp, err := verifier.Verify(context.Background(), tok, 1000)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if string(vp.ID) != "proof-0001" || vp.Amount != 1000 || vp.Required != 1000 {
		t.Fatalf("unexpected verified proof: %+v", vp)
	}
}

func TestVerifyRejectsInsufficientAmount(t *testing.T) {
	issuer, verifier := newTestPair(t, time.Now())
	tok, _ := issuer.Mint([]byte("proof-0002"), 999, time.Time{})

	_, err := verifier.Verify(context.Background(), tok, 1000)
	if !errors.Is(err, ErrAmountInsufficient) {
		t.Fatalf("expected ErrAmountInsufficient, got %v", err)
	}
}

func TestVerifyRejectsTamperedAmount(t *testing.T) {
	issuer, verifier := newTestPair(t, time.Now())
	tok, _ := issuer.Mint([]byte("proof-0003"), 10, time.Time{})
	tok.Amount = 1_000_000

	_, err := verifier.Verify(context.Background(), tok, 1000)
	if !errors.Is(err, ErrProofMalformed) || !errors.Is(err, ErrProofSignature) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	other, err := NewIssuer([]byte("another-relay"))
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	_, verifier := newTestPair(t, time.Now())
	tok, _ := other.Mint([]byte("proof-0004"), 5000, time.Time{})

	if _, err := verifier.Verify(context.Background(), tok, 1); !errors.Is(err, ErrProofSignature) {
		t.Fatalf("expected ErrProofSignature, got %v", err)
	}
}

func TestVerifyRejectsMalformedStructure(t *testing.T) {
	_, verifier := newTestPair(t, time.Now())

	cases := map[string]*Token{
		"nil":       nil,
		"short id":  {ID: []byte("abc"), Amount: 1, MAC: make([]byte, MACLen)},
		"long id":   {ID: make([]byte, MaxIDLen+1), Amount: 1, MAC: make([]byte, MACLen)},
		"short mac": {ID: []byte("proof-0005"), Amount: 1, MAC: make([]byte, 8)},
	}
	for name, tok := range cases {
		if _, err := verifier.Verify(context.Background(), tok, 0); !errors.Is(err, ErrProofMalformed) {
			t.Errorf("%s: expected ErrProofMalformed, got %v", name, err)
		}
	}
}

func TestVerifyExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, verifier := newTestPair(t, now)

	expired, _ := issuer.Mint([]byte("proof-0006"), 100, now.Add(-time.Hour))
	if _, err := verifier.Verify(context.Background(), expired, 1); !errors.Is(err, ErrProofExpired) {
		t.Fatalf("expected ErrProofExpired, got %v", err)
	}

	// Within leeway.
	recent, _ := issuer.Mint([]byte("proof-0007"), 100, now.Add(-10*time.Second))
	if _, err := verifier.Verify(context.Background(), recent, 1); err != nil {
		t.Fatalf("token inside leeway rejected: %v", err)
	}

	valid, _ := issuer.Mint([]byte("proof-0008"), 100, now.Add(time.Hour))
	if _, err := verifier.Verify(context.Background(), valid, 1); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}

func TestVerifyHonoursCancelledContext(t *testing.T) {
	issuer, verifier := newTestPair(t, time.Now())
	tok, _ := issuer.Mint([]byte("proof-0009"), 100, time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := verifier.Verify(ctx, tok, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(nil); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
	if _, err := NewIssuer(nil); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestFeeRequired(t *testing.T) {
	fee := Fee{Base: 500, PerByte: 5}
	got, ok := fee.Required(100)
	if !ok || got != 1000 {
		t.Fatalf("Required(100) = %d, %v; want 1000, true", got, ok)
	}

	if _, ok := (Fee{Base: 1, PerByte: math.MaxUint64}).Required(2); ok {
		t.Fatal("expected multiplication overflow")
	}
	if _, ok := (Fee{Base: math.MaxUint64, PerByte: 1}).Required(1); ok {
		t.Fatal("expected addition overflow")
	}
	if _, ok := fee.Required(-1); ok {
		t.Fatal("expected negative size to fail")
	}
}
