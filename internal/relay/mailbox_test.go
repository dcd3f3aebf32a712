package relay

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/spacedatanetwork/sdn-relay/internal/auth"
	"github.com/spacedatanetwork/sdn-relay/internal/payment"
	"github.com/spacedatanetwork/sdn-relay/internal/storage"
)

func TestFilterRaisesRequiredAmount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// 100 bytes cost 1000 by size; the owner asks for 5000.
	if _, err := h.retrieval.SetFilter(ctx, h.addr, h.cred(t), storage.Filter{MinAmount: 5000}); err != nil {
		t.Fatalf("SetFilter failed: %v", err)
	}

	_, err := h.engine.Accept(ctx, h.identity, payloadOf(100, 0xF1), h.mint(t, "proof-filter-low", 1000))
	if !errors.Is(err, payment.ErrAmountInsufficient) {
		t.Fatalf("expected ErrAmountInsufficient, got %v", err)
	}
	if KindOf(err) != KindAmountInsufficient {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if h.claimed(t, "proof-filter-low") {
		t.Fatal("underpaying proof was claimed")
	}

	if _, err := h.engine.Accept(ctx, h.identity, payloadOf(100, 0xF1), h.mint(t, "proof-filter-ok", 5000)); err != nil {
		t.Fatalf("Accept at the filter minimum failed: %v", err)
	}

	// A filter below the size fee does not lower the price.
	if _, err := h.retrieval.SetFilter(ctx, h.addr, h.cred(t), storage.Filter{MinAmount: 10}); err != nil {
		t.Fatalf("SetFilter failed: %v", err)
	}
	_, err = h.engine.Accept(ctx, h.identity, payloadOf(100, 0xF2), h.mint(t, "proof-filter-cheap", 999))
	if !errors.Is(err, payment.ErrAmountInsufficient) {
		t.Fatalf("expected ErrAmountInsufficient below the size fee, got %v", err)
	}
}

func TestFilterRequiresOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stranger := secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{0x17}, 32))
	cred, _, err := auth.Sign(stranger, h.clock.Now())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	_, err = h.retrieval.SetFilter(ctx, h.addr, cred, storage.Filter{MinAmount: 1 << 40})
	if KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := h.engine.Accept(ctx, h.identity, payloadOf(100, 0xF3), h.mint(t, "proof-filter-free", 1000)); err != nil {
		t.Fatalf("Accept failed after rejected filter: %v", err)
	}

	// No filter yet: only the owner learns that.
	if _, err := h.retrieval.Filter(ctx, h.addr, cred); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized for a missing filter, got %v", err)
	}
	if _, err := h.retrieval.Filter(ctx, h.addr, h.cred(t)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for the owner, got %v", err)
	}
}

func TestFilterVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.retrieval.SetFilter(ctx, h.addr, h.cred(t), storage.Filter{MinAmount: 2000}); err != nil {
		t.Fatalf("SetFilter failed: %v", err)
	}
	if _, err := h.retrieval.Filter(ctx, h.addr, auth.Credential{}); KindOf(err) != KindUnauthorized {
		t.Fatalf("private filter readable without credentials: %v", err)
	}
	f, err := h.retrieval.Filter(ctx, h.addr, h.cred(t))
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if f.MinAmount != 2000 || f.Public || !f.UpdatedAt.Equal(h.clock.Now()) {
		t.Fatalf("unexpected filter %+v", f)
	}

	if _, err := h.retrieval.SetFilter(ctx, h.addr, h.cred(t), storage.Filter{MinAmount: 3000, Public: true}); err != nil {
		t.Fatalf("SetFilter failed: %v", err)
	}
	f, err = h.retrieval.Filter(ctx, h.addr, auth.Credential{})
	if err != nil {
		t.Fatalf("public filter not readable: %v", err)
	}
	if f.MinAmount != 3000 {
		t.Fatalf("unexpected minimum %d", f.MinAmount)
	}
}

func newProfileService(t *testing.T, h *harness) *ProfileService {
	t.Helper()
	svc, err := NewProfileService(h.store, 64, WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("NewProfileService failed: %v", err)
	}
	return svc
}

func TestProfilePublishAndReplace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := newProfileService(t, h)

	if _, err := svc.Get(ctx, h.addr); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	signedAt := h.clock.Now()
	v1 := []byte(`{"name":"first"}`)
	sig, _, err := auth.SignProfile(h.key, v1, signedAt)
	if err != nil {
		t.Fatalf("SignProfile failed: %v", err)
	}
	if _, err := svc.Put(ctx, h.addr, v1, sig); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := svc.Get(ctx, h.addr)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got.Data, v1) || !got.SignedAt.Equal(signedAt) {
		t.Fatalf("unexpected profile %+v", got)
	}
	// Readers can check the signature themselves.
	if err := auth.VerifyProfile(h.addr, got.Data, auth.Credential{
		PublicKey: got.PublicKey, Timestamp: got.SignedAt, Signature: got.Signature,
	}); err != nil {
		t.Fatalf("stored profile does not verify: %v", err)
	}

	// Replaying the same or an older signature is refused.
	old, _, err := auth.SignProfile(h.key, []byte(`{"name":"old"}`), signedAt.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SignProfile failed: %v", err)
	}
	for _, s := range []struct {
		data []byte
		sig  auth.Credential
	}{{v1, sig}, {[]byte(`{"name":"old"}`), old}} {
		if _, err := svc.Put(ctx, h.addr, s.data, s.sig); !errors.Is(err, ErrStaleProfile) {
			t.Fatalf("expected ErrStaleProfile, got %v", err)
		}
	}

	h.clock.Advance(time.Minute)
	v2 := []byte(`{"name":"second"}`)
	sig2, _, err := auth.SignProfile(h.key, v2, h.clock.Now())
	if err != nil {
		t.Fatalf("SignProfile failed: %v", err)
	}
	if _, err := svc.Put(ctx, h.addr, v2, sig2); err != nil {
		t.Fatalf("Put of newer profile failed: %v", err)
	}
	if got, _ := svc.Get(ctx, h.addr); got == nil || !bytes.Equal(got.Data, v2) {
		t.Fatal("newer profile not published")
	}
}

func TestProfileRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := newProfileService(t, h)
	now := h.clock.Now()

	stranger := secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{0x18}, 32))
	foreign, _, err := auth.SignProfile(stranger, []byte("hijack"), now)
	if err != nil {
		t.Fatalf("SignProfile failed: %v", err)
	}
	future, _, err := auth.SignProfile(h.key, []byte("future"), now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SignProfile failed: %v", err)
	}
	big := payloadOf(65, 'x')
	bigSig, _, err := auth.SignProfile(h.key, big, now)
	if err != nil {
		t.Fatalf("SignProfile failed: %v", err)
	}

	cases := []struct {
		name string
		data []byte
		sig  auth.Credential
		kind Kind
	}{
		{"other key", []byte("hijack"), foreign, KindInvalidProfile},
		{"future timestamp", []byte("future"), future, KindInvalidProfile},
		{"too large", big, bigSig, KindPayloadTooLarge},
		{"empty", nil, bigSig, KindPayloadTooLarge},
	}
	for _, tc := range cases {
		if _, err := svc.Put(ctx, h.addr, tc.data, tc.sig); KindOf(err) != tc.kind {
			t.Errorf("%s: expected %s, got %v", tc.name, tc.kind, err)
		}
	}
	if _, err := svc.Get(ctx, h.addr); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("rejected profiles were stored: %v", err)
	}
}

func TestWatchReceivesAdmittedMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ch, cancel, err := h.retrieval.Watch(ctx, h.addr, h.cred(t))
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer cancel()

	ciphertext := payloadOf(100, 0xE1)
	res, err := h.engine.Accept(ctx, h.identity, ciphertext, h.mint(t, "proof-watch-01", 1000))
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	select {
	case n := <-ch:
		if n.Address != h.addr || n.Summary.Digest != res.Message.Digest || !bytes.Equal(n.Payload, ciphertext) {
			t.Fatalf("unexpected notification %+v", n.Summary)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification for admitted message")
	}

	// Duplicates are not announced again.
	if _, err := h.engine.Accept(ctx, h.identity, ciphertext, h.mint(t, "proof-watch-02", 1000)); err != nil {
		t.Fatalf("duplicate Accept failed: %v", err)
	}
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification for duplicate %s", n.Summary.Digest)
	default:
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	if h.broker.Subscribers(h.addr) != 0 {
		t.Fatal("subscription outlived cancel")
	}
}

func TestWatchRequiresOwner(t *testing.T) {
	h := newHarness(t)

	stranger := secp256k1.PrivKeyFromBytes(bytes.Repeat([]byte{0x19}, 32))
	cred, _, err := auth.Sign(stranger, h.clock.Now())
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if _, _, err := h.retrieval.Watch(context.Background(), h.addr, cred); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if h.broker.Subscribers(h.addr) != 0 {
		t.Fatal("unauthenticated watcher subscribed")
	}

	plain, err := NewRetrievalService(h.store, auth.NewVerifier(time.Minute))
	if err != nil {
		t.Fatalf("NewRetrievalService failed: %v", err)
	}
	if _, _, err := plain.Watch(context.Background(), h.addr, h.cred(t)); !errors.Is(err, ErrWatchUnavailable) {
		t.Fatalf("expected ErrWatchUnavailable, got %v", err)
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	h := newHarness(t)
	b := NewBroker(1)

	slow, cancelSlow := b.Subscribe(h.addr)
	defer cancelSlow()
	fast, cancelFast := b.Subscribe(h.addr)
	defer cancelFast()

	for i := 0; i < 3; i++ {
		b.Publish(Notification{Address: h.addr})
		<-fast
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped notifications, got %d", got)
	}
	if len(slow) != 1 {
		t.Fatalf("slow subscriber should hold one notification, has %d", len(slow))
	}

	cancelSlow()
	cancelSlow()
	if b.Subscribers(h.addr) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Subscribers(h.addr))
	}
}
