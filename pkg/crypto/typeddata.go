package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator. ChainID and VerifyingContract bind
// every signature to one deployed engine instance, so a message signed for one
// deployment cannot be replayed against another.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func NewDomain(chainID int64, contractIdentity common.Address) Domain {
	return Domain{
		Name:              "Leverd",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: contractIdentity,
	}
}

// QuoteMessage is the typed structure an oracle signer attests to.
type QuoteMessage struct {
	Symbol    string
	Price     *big.Int // 1e-8 fixed point
	Timestamp *big.Int // unix seconds
}

// OrderGrant is the typed structure an account owner signs to authorize a
// relayer to create a conditional order on their behalf.
type OrderGrant struct {
	Owner           common.Address
	Kind            uint8 // 1 = limit open, 2 = limit close, 3 = stop loss
	Symbol          string
	Long            bool
	Collateral      *big.Int // micro-USD
	Leverage        *big.Int
	TriggerPrice    *big.Int // 1e-8 fixed point
	PositionID      *big.Int // 0 for opens
	MaxExecutionFee *big.Int // micro-USD
	Nonce           *big.Int
	ExpiresAt       *big.Int // unix seconds
}

// TypedSigner hashes and verifies the engine's typed messages.
type TypedSigner struct {
	domain Domain
}

func NewTypedSigner(domain Domain) *TypedSigner {
	return &TypedSigner{domain: domain}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

func (t *TypedSigner) apiDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              t.domain.Name,
		Version:           t.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(t.domain.ChainID),
		VerifyingContract: t.domain.VerifyingContract.Hex(),
	}
}

// HashQuote returns the digest an oracle signer must sign for a price quote.
func (t *TypedSigner) HashQuote(q *QuoteMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"PriceQuote": []apitypes.Type{
				{Name: "symbol", Type: "string"},
				{Name: "price", Type: "uint256"},
				{Name: "timestamp", Type: "uint256"},
			},
		},
		PrimaryType: "PriceQuote",
		Domain:      t.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"symbol":    q.Symbol,
			"price":     q.Price.String(),
			"timestamp": q.Timestamp.String(),
		},
	}
	return t.digest(typedData)
}

// HashOrderGrant returns the digest an owner must sign to delegate order
// creation.
func (t *TypedSigner) HashOrderGrant(g *OrderGrant) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"OrderGrant": []apitypes.Type{
				{Name: "owner", Type: "address"},
				{Name: "kind", Type: "uint8"},
				{Name: "symbol", Type: "string"},
				{Name: "long", Type: "bool"},
				{Name: "collateral", Type: "uint256"},
				{Name: "leverage", Type: "uint256"},
				{Name: "triggerPrice", Type: "uint256"},
				{Name: "positionId", Type: "uint256"},
				{Name: "maxExecutionFee", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "expiresAt", Type: "uint256"},
			},
		},
		PrimaryType: "OrderGrant",
		Domain:      t.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"owner":           g.Owner.Hex(),
			"kind":            fmt.Sprintf("%d", g.Kind),
			"symbol":          g.Symbol,
			"long":            g.Long,
			"collateral":      g.Collateral.String(),
			"leverage":        g.Leverage.String(),
			"triggerPrice":    g.TriggerPrice.String(),
			"positionId":      g.PositionID.String(),
			"maxExecutionFee": g.MaxExecutionFee.String(),
			"nonce":           g.Nonce.String(),
			"expiresAt":       g.ExpiresAt.String(),
		},
	}
	return t.digest(typedData)
}

// digest computes keccak256("\x19\x01" || domainSeparator || structHash).
func (t *TypedSigner) digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	raw := append(append([]byte("\x19\x01"), domainSeparator...), structHash...)
	return crypto.Keccak256(raw), nil
}

// SignQuote signs a quote message with the given key.
func (t *TypedSigner) SignQuote(signer *Signer, q *QuoteMessage) ([]byte, error) {
	hash, err := t.HashQuote(q)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// RecoverQuoteSigner returns the address that signed a quote message.
func (t *TypedSigner) RecoverQuoteSigner(q *QuoteMessage, signature []byte) (common.Address, error) {
	hash, err := t.HashQuote(q)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// SignOrderGrant signs an order grant with the given key.
func (t *TypedSigner) SignOrderGrant(signer *Signer, g *OrderGrant) ([]byte, error) {
	hash, err := t.HashOrderGrant(g)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// RecoverOrderGrantSigner returns the address that signed an order grant.
func (t *TypedSigner) RecoverOrderGrantSigner(g *OrderGrant, signature []byte) (common.Address, error) {
	hash, err := t.HashOrderGrant(g)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}
