package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/store"
	"github.com/keygate/keygate/internal/token"
)

const testKey = "sk-abc123"

func newTestBroker(t *testing.T, ttl time.Duration) (*Broker, *store.Store, *token.Codec) {
	t.Helper()
	st, err := store.Open(store.Config{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	codec := token.NewCodec(token.DeriveSecret("test-passphrase"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBroker(st, codec, ttl, logger), st, codec
}

func TestValidUpstreamKey(t *testing.T) {
	valid := []string{"sk-abc123", "pk-XYZ", "org-team_42", "sk-0"}
	for _, k := range valid {
		if !ValidUpstreamKey(k) {
			t.Errorf("ValidUpstreamKey(%q) = false, want true", k)
		}
	}
	invalid := []string{"", "sk-", "abc123", "sk_abc", "token-abc", "sk-abc!", "sk-abc 123", " sk-abc"}
	for _, k := range invalid {
		if ValidUpstreamKey(k) {
			t.Errorf("ValidUpstreamKey(%q) = true, want false", k)
		}
	}
}

func TestExchangeRejectsBadKeyBeforeStore(t *testing.T) {
	b, st, _ := newTestBroker(t, time.Hour)
	ctx := context.Background()

	_, err := b.Exchange(ctx, "not-a-key!")
	if !errors.Is(err, ErrInvalidUpstreamKey) {
		t.Fatalf("expected ErrInvalidUpstreamKey, got %v", err)
	}

	// No store access happened: still zero rows.
	n, _ := st.CountActive(ctx)
	if n != 0 {
		t.Errorf("store mutated on invalid key: %d active rows", n)
	}
}

func TestExchangeMintsFirstToken(t *testing.T) {
	b, st, codec := newTestBroker(t, time.Hour)
	ctx := context.Background()

	res, err := b.Exchange(ctx, testKey)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if res.Outcome != OutcomeAdded {
		t.Errorf("Outcome: got %q, want %q", res.Outcome, OutcomeAdded)
	}

	claims, err := codec.Verify(res.Token)
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if claims.UpstreamKey != testKey {
		t.Errorf("claim key: got %q, want %q", claims.UpstreamKey, testKey)
	}

	n, _ := st.CountActive(ctx)
	if n != 1 {
		t.Errorf("active rows: got %d, want 1", n)
	}
}

func TestExchangeIdempotentWithinTTL(t *testing.T) {
	b, st, _ := newTestBroker(t, time.Hour)
	ctx := context.Background()

	first, err := b.Exchange(ctx, testKey)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	second, err := b.Exchange(ctx, testKey)
	if err != nil {
		t.Fatalf("second Exchange: %v", err)
	}

	if second.Outcome != OutcomeAccepted {
		t.Errorf("Outcome: got %q, want %q", second.Outcome, OutcomeAccepted)
	}
	if second.Token != first.Token {
		t.Error("second exchange should return the same token, not a fresh mint")
	}
	n, _ := st.CountActive(ctx)
	if n != 1 {
		t.Errorf("active rows: got %d, want 1", n)
	}
}

func TestExchangeReplacesExpiredToken(t *testing.T) {
	b, st, codec := newTestBroker(t, time.Hour)
	ctx := context.Background()

	// Seed an already-expired token, as if minted long ago.
	expired, _ := codec.Sign(testKey, -time.Minute)
	if _, err := st.Insert(ctx, expired); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	res, err := b.Exchange(ctx, testKey)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if res.Outcome != OutcomeUpdated {
		t.Errorf("Outcome: got %q, want %q", res.Outcome, OutcomeUpdated)
	}
	if res.Token == expired {
		t.Error("expected a fresh token, got the expired one back")
	}

	// Overwritten in place: one active row, the old value gone.
	active, _ := st.ListActive(ctx)
	if len(active) != 1 {
		t.Fatalf("active rows: got %d, want 1", len(active))
	}
	if active[0].Token != res.Token {
		t.Error("stored token should be the replacement")
	}
}

func TestAuthorizeRejectsMissingToken(t *testing.T) {
	b, _, _ := newTestBroker(t, time.Hour)

	_, err := b.Authorize(context.Background(), "")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestAuthorizeRejectsTamperedToken(t *testing.T) {
	b, _, _ := newTestBroker(t, time.Hour)
	other := token.NewCodec(token.DeriveSecret("someone-else"))
	forged, _ := other.Sign(testKey, time.Hour)

	for _, tok := range []string{"garbage", forged} {
		if _, err := b.Authorize(context.Background(), tok); !errors.Is(err, ErrNotAuthorized) {
			t.Errorf("Authorize(%q...): expected ErrNotAuthorized, got %v", tok[:7], err)
		}
	}
}

func TestAuthorizeReusesCurrentToken(t *testing.T) {
	b, st, _ := newTestBroker(t, time.Hour)
	ctx := context.Background()

	res, _ := b.Exchange(ctx, testKey)

	grant, err := b.Authorize(ctx, res.Token)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.Rotated {
		t.Error("matching current token should be reused, not rotated")
	}
	if grant.Token != res.Token {
		t.Error("grant should carry the same token")
	}
	if grant.UpstreamKey != testKey {
		t.Errorf("UpstreamKey: got %q, want %q", grant.UpstreamKey, testKey)
	}

	// Token unchanged in the store.
	rec, _ := st.Latest(ctx)
	if rec.Token != res.Token {
		t.Error("store token should be unchanged after reuse")
	}
}

func TestAuthorizeRotatesExpiredCurrentToken(t *testing.T) {
	b, st, codec := newTestBroker(t, time.Hour)
	ctx := context.Background()

	expired, _ := codec.Sign(testKey, -time.Minute)
	if _, err := st.Insert(ctx, expired); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	grant, err := b.Authorize(ctx, expired)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !grant.Rotated {
		t.Error("expired current token should trigger rotation")
	}
	if grant.Token == expired {
		t.Error("grant should carry a fresh token")
	}
	if grant.UpstreamKey != testKey {
		t.Errorf("rotated token should carry the same key claim, got %q", grant.UpstreamKey)
	}

	// Exactly one rotation: old value no longer matches any active row.
	active, _ := st.ListActive(ctx)
	if len(active) != 1 {
		t.Fatalf("active rows: got %d, want 1", len(active))
	}
	if active[0].Token == expired {
		t.Error("old token value should be gone from active rows")
	}
	if active[0].Token != grant.Token {
		t.Error("store should hold the rotated token")
	}
}

func TestAuthorizeRotatesSupersededValidToken(t *testing.T) {
	b, st, codec := newTestBroker(t, time.Hour)
	ctx := context.Background()

	// The stored current token differs from the (still valid) inbound one.
	// Different TTLs guarantee distinct token strings even within the same
	// second (JWT time claims have second granularity).
	stale, _ := codec.Sign(testKey, time.Hour)
	current, _ := codec.Sign(testKey, 2*time.Hour)
	if _, err := st.Insert(ctx, current); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	grant, err := b.Authorize(ctx, stale)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !grant.Rotated {
		t.Error("superseded token should trigger rotation")
	}

	// The stored row was overwritten, not appended to.
	active, _ := st.ListActive(ctx)
	if len(active) != 1 {
		t.Fatalf("active rows: got %d, want 1", len(active))
	}
	if active[0].Token != grant.Token {
		t.Error("store should hold the minted token")
	}
}

func TestAuthorizeAdoptsTokenWhenNoneStored(t *testing.T) {
	b, st, codec := newTestBroker(t, time.Hour)
	ctx := context.Background()

	inbound, _ := codec.Sign(testKey, time.Hour)

	grant, err := b.Authorize(ctx, inbound)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.Token != inbound {
		t.Error("with nothing stored the inbound token itself is persisted")
	}

	rec, err := st.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec.Token != inbound {
		t.Error("inbound token should have been inserted")
	}
}

func TestAuthorizeRejectsExpiredUnknownToken(t *testing.T) {
	b, _, codec := newTestBroker(t, time.Hour)

	expired, _ := codec.Sign(testKey, -time.Minute)
	if _, err := b.Authorize(context.Background(), expired); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for expired token with empty store, got %v", err)
	}
}

func TestSingleActiveTokenInvariant(t *testing.T) {
	b, st, codec := newTestBroker(t, time.Hour)
	ctx := context.Background()

	// Walk the whole lifecycle and check the invariant at each step.
	check := func(step string) {
		t.Helper()
		active, err := st.ListActive(ctx)
		if err != nil {
			t.Fatalf("%s: ListActive: %v", step, err)
		}
		if len(active) > 1 {
			t.Fatalf("%s: %d active rows, want at most 1", step, len(active))
		}
	}

	check("empty")
	res, _ := b.Exchange(ctx, testKey)
	check("after mint")
	b.Exchange(ctx, testKey)
	check("after repeat exchange")
	b.Authorize(ctx, res.Token)
	check("after reuse")

	stale, _ := codec.Sign(testKey, 2*time.Hour)
	b.Authorize(ctx, stale)
	check("after rotation")

	rec, _ := st.Latest(ctx)
	b.Revoke(ctx, rec.Abbrev())
	check("after revoke")
}

func TestRevoke(t *testing.T) {
	b, st, _ := newTestBroker(t, time.Hour)
	ctx := context.Background()

	res, _ := b.Exchange(ctx, testKey)

	n, err := b.Revoke(ctx, model.AbbrevToken(res.Token))
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if n != 1 {
		t.Errorf("rows revoked: got %d, want 1", n)
	}

	// Revoked token no longer authorizes.
	if _, err := b.Authorize(ctx, res.Token); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized after revoke, got %v", err)
	}

	// But the row survives, archived, for audit.
	all, _ := st.ListAll(ctx)
	if len(all) != 1 || !all[0].Archived {
		t.Errorf("revoked row should be archived, got %+v", all)
	}
}
