package auth

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func newKey(t *testing.T, seed byte) *secp256k1.PrivateKey {
	t.Helper()
	return secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
}

func TestAuthenticateValidCredential(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	v := NewVerifier(time.Minute, WithClock(func() time.Time { return now }))

	cred, addr, err := Sign(newKey(t, 1), now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := v.Authenticate(context.Background(), addr, cred); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
}

func TestAuthenticateRejectsOtherAddress(t *testing.T) {
	now := time.Now()
	v := NewVerifier(time.Minute, WithClock(func() time.Time { return now }))

	cred, _, err := Sign(newKey(t, 1), now)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	_, victim, err := Sign(newKey(t, 2), now)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if err := v.Authenticate(context.Background(), victim, cred); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticateRejectsClockSkew(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	v := NewVerifier(time.Minute, WithClock(func() time.Time { return now }))

	for _, ts := range []time.Time{now.Add(-2 * time.Minute), now.Add(2 * time.Minute)} {
		cred, addr, err := Sign(newKey(t, 3), ts)
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		if err := v.Authenticate(context.Background(), addr, cred); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("timestamp %v: expected ErrUnauthorized, got %v", ts, err)
		}
	}
}

func TestAuthenticateRejectsTampering(t *testing.T) {
	now := time.Now()
	v := NewVerifier(0, WithClock(func() time.Time { return now }))
	cred, addr, err := Sign(newKey(t, 4), now)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	// A different timestamp changes the signed statement.
	moved := cred
	moved.Timestamp = cred.Timestamp.Add(time.Second)
	if err := v.Authenticate(context.Background(), addr, moved); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("moved timestamp: expected ErrUnauthorized, got %v", err)
	}

	garbled := cred
	garbled.Signature = []byte{0x30, 0x01, 0x00}
	if err := v.Authenticate(context.Background(), addr, garbled); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("garbled signature: expected ErrUnauthorized, got %v", err)
	}

	badKey := cred
	badKey.PublicKey = []byte{0x02, 0x01}
	if err := v.Authenticate(context.Background(), addr, badKey); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("bad key: expected ErrUnauthorized, got %v", err)
	}

	// Signature from another key over the same statement.
	foreign := cred
	other, _, _ := Sign(newKey(t, 5), cred.Timestamp)
	foreign.Signature = other.Signature
	if err := v.Authenticate(context.Background(), addr, foreign); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("foreign signature: expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticateHonoursContext(t *testing.T) {
	v := NewVerifier(time.Minute)
	cred, addr, err := Sign(newKey(t, 6), time.Now())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := v.Authenticate(ctx, addr, cred); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
