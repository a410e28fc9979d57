package engine

import (
	"fmt"
	"math/big"
	"time"

	"github.com/openlev/leverd/pkg/crypto"
	"github.com/openlev/leverd/pkg/util"
)

// SignedPriceQuote is an oracle-attested price datum. It is ephemeral: the
// engine validates it per call and never persists it.
type SignedPriceQuote struct {
	Symbol    string `json:"symbol"`
	Price     int64  `json:"price"`     // 1e-8 fixed point
	Timestamp int64  `json:"timestamp"` // unix seconds
	Signature []byte `json:"signature"` // 65-byte [R || S || V]
}

// QuoteVerifier checks freshness and signer authorization of price quotes.
// All checks are pure reads; verification never mutates state.
type QuoteVerifier struct {
	typed  *crypto.TypedSigner
	roles  *Roles
	window time.Duration
	clock  util.Clock
}

func NewQuoteVerifier(typed *crypto.TypedSigner, roles *Roles, window time.Duration, clock util.Clock) *QuoteVerifier {
	return &QuoteVerifier{typed: typed, roles: roles, window: window, clock: clock}
}

// Verify checks a quote against the expected symbol. A quote exactly at
// timestamp+window is still accepted; one second past it is stale.
func (v *QuoteVerifier) Verify(q SignedPriceQuote, symbol string) error {
	if q.Symbol != symbol {
		return fmt.Errorf("%w: quote symbol %q, expected %q", ErrValidation, q.Symbol, symbol)
	}
	if q.Price <= 0 {
		return fmt.Errorf("%w: quote price %d", ErrValidation, q.Price)
	}

	now := v.clock.Now().Unix()
	if q.Timestamp > now {
		return fmt.Errorf("%w: timestamp %d, now %d", ErrFutureQuote, q.Timestamp, now)
	}
	if now > q.Timestamp+int64(v.window.Seconds()) {
		return fmt.Errorf("%w: timestamp %d, now %d, window %s", ErrStaleQuote, q.Timestamp, now, v.window)
	}

	signer, err := v.typed.RecoverQuoteSigner(&crypto.QuoteMessage{
		Symbol:    q.Symbol,
		Price:     big.NewInt(q.Price),
		Timestamp: big.NewInt(q.Timestamp),
	}, q.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !v.roles.Has(signer, RoleOracleSigner) {
		return fmt.Errorf("%w: %s is not an oracle signer", ErrBadSignature, signer.Hex())
	}
	return nil
}
