package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer wraps a secp256k1 key pair. Oracle signers, account owners and
// relayers are all identified by the Ethereum address derived from their key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a new random secp256k1 key pair.
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key
// ("0x1234..." or "1234...", 64 hex chars).
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the hex-encoded private key, 0x-prefixed.
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("0x%x", crypto.FromECDSA(s.privateKey))
}

// Sign signs a 32-byte digest and returns a 65-byte [R || S || V] signature.
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// RecoverAddress recovers the address that produced signature over hash.
func RecoverAddress(hash []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("invalid hash length: %d", len(hash))
	}

	pubBytes, err := crypto.Ecrecover(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether signature over hash was produced by address.
func VerifySignature(address common.Address, hash []byte, signature []byte) bool {
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false
	}
	return recovered == address
}
