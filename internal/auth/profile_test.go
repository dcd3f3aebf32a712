package auth

import (
	"errors"
	"testing"
	"time"
)

func TestVerifyProfile(t *testing.T) {
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	data := []byte(`{"display_name":"alice"}`)

	cred, addr, err := SignProfile(newKey(t, 4), data, ts)
	if err != nil {
		t.Fatalf("SignProfile failed: %v", err)
	}
	if err := VerifyProfile(addr, data, cred); err != nil {
		t.Fatalf("VerifyProfile failed: %v", err)
	}

	if err := VerifyProfile(addr, []byte("tampered"), cred); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("tampered data: expected ErrInvalidProfile, got %v", err)
	}

	moved := cred
	moved.Timestamp = ts.Add(time.Second)
	if err := VerifyProfile(addr, data, moved); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("changed timestamp: expected ErrInvalidProfile, got %v", err)
	}

	_, other, err := SignProfile(newKey(t, 5), data, ts)
	if err != nil {
		t.Fatalf("SignProfile failed: %v", err)
	}
	if err := VerifyProfile(other, data, cred); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("other address: expected ErrInvalidProfile, got %v", err)
	}

	// An owner credential is not a profile signature.
	ownerCred, _, err := Sign(newKey(t, 4), ts)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := VerifyProfile(addr, data, ownerCred); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("owner credential: expected ErrInvalidProfile, got %v", err)
	}
}
