// Package signer builds and signs CLOB orders: Keccak-256 and secp256k1
// primitives, EIP-712 v4 digest construction for the Polymarket CTF
// Exchange's Order struct, and decimal-to-wei amount scaling.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// parsePrivateKey parses a hex-encoded secp256k1 private key, accepting
// an optional 0x prefix, and derives its EIP-55 checksummed address.
func parsePrivateKey(keyHex string) (*ecdsa.PrivateKey, common.Address, error) {
	keyHex = strings.TrimPrefix(keyHex, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// signDigest produces a 65-byte r||s||v ECDSA signature over digest,
// normalizing v to the Ethereum convention {27, 28}. go-ethereum's
// secp256k1 binding already returns the canonical (low-S) signature.
func signDigest(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
