package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/openlev/leverd/pkg/crypto"
)

func newTestVerifier(t *testing.T, oracle *crypto.Signer, clock *fakeClock) *QuoteVerifier {
	t.Helper()
	admin := mustKey(t)
	roles := NewRoles(admin.Address())
	roles.Grant(oracle.Address(), RoleOracleSigner)
	typed := crypto.NewTypedSigner(crypto.NewDomain(1337, admin.Address()))
	return NewQuoteVerifier(typed, roles, 5*time.Minute, clock)
}

func TestQuoteFreshnessBoundary(t *testing.T) {
	oracle := mustKey(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	v := newTestVerifier(t, oracle, clock)

	ts := clock.Now().Unix()
	q := signQuote(t, v.typed, oracle, "BTC-USD", entry50k, ts)

	// Exactly at timestamp + window: still valid.
	clock.advance(5 * time.Minute)
	if err := v.Verify(q, "BTC-USD"); err != nil {
		t.Errorf("quote at exact window boundary rejected: %v", err)
	}

	// One second past the window: stale.
	clock.advance(1 * time.Second)
	err := v.Verify(q, "BTC-USD")
	if !errors.Is(err, ErrStaleQuote) {
		t.Errorf("expected ErrStaleQuote one second past the window, got %v", err)
	}
}

func TestQuoteFromFutureRejected(t *testing.T) {
	oracle := mustKey(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	v := newTestVerifier(t, oracle, clock)

	q := signQuote(t, v.typed, oracle, "BTC-USD", entry50k, clock.Now().Unix()+1)
	if err := v.Verify(q, "BTC-USD"); !errors.Is(err, ErrFutureQuote) {
		t.Errorf("expected ErrFutureQuote, got %v", err)
	}
}

func TestQuoteSymbolMismatch(t *testing.T) {
	oracle := mustKey(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	v := newTestVerifier(t, oracle, clock)

	q := signQuote(t, v.typed, oracle, "ETH-USD", entry50k, clock.Now().Unix())
	if err := v.Verify(q, "BTC-USD"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for symbol mismatch, got %v", err)
	}
}

func TestQuoteUnauthorizedSigner(t *testing.T) {
	oracle := mustKey(t)
	rogue := mustKey(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	v := newTestVerifier(t, oracle, clock)

	// Valid signature, but the key holds no oracle role.
	q := signQuote(t, v.typed, rogue, "BTC-USD", entry50k, clock.Now().Unix())
	if err := v.Verify(q, "BTC-USD"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature for unauthorized signer, got %v", err)
	}
}

func TestQuoteTamperedPriceRejected(t *testing.T) {
	oracle := mustKey(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	v := newTestVerifier(t, oracle, clock)

	q := signQuote(t, v.typed, oracle, "BTC-USD", entry50k, clock.Now().Unix())
	q.Price = exit55k // signature no longer covers the price
	if err := v.Verify(q, "BTC-USD"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature for tampered price, got %v", err)
	}
}

func TestQuoteNonPositivePrice(t *testing.T) {
	oracle := mustKey(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	v := newTestVerifier(t, oracle, clock)

	q := signQuote(t, v.typed, oracle, "BTC-USD", entry50k, clock.Now().Unix())
	q.Price = 0
	if err := v.Verify(q, "BTC-USD"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for zero price, got %v", err)
	}
}
