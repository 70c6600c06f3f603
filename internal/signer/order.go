package signer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"polyclob/pkg/types"
)

// maxSalt is the exclusive upper bound for a 256-bit random salt.
var maxSalt = new(big.Int).Lsh(big.NewInt(1), 256)

// Signer constructs and signs OrderData payloads for one private key.
// It is pure and non-blocking; safe for concurrent use.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
}

// New derives an address from privateKeyHex (accepting an optional 0x
// prefix) and returns a Signer bound to chainID.
func New(privateKeyHex string, chainID int64) (*Signer, error) {
	key, addr, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Signer{privateKey: key, address: addr, chainID: chainID}, nil
}

// Address returns the signer's EIP-55 checksummed address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// GenerateSalt returns a cryptographically random 256-bit integer
// rendered as a base-10 string.
func (s *Signer) GenerateSalt() (string, error) {
	n, err := rand.Int(rand.Reader, maxSalt)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return n.String(), nil
}

// validateAmount rejects a maker/taker amount that doesn't parse as a
// decimal or isn't strictly positive.
func validateAmount(raw, field string) error {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalidAmount, field, raw, err)
	}
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be > 0, got %q", ErrInvalidAmount, field, raw)
	}
	return nil
}

// SignOrder constructs the canonical EIP-712 v4 digest for order (filling
// in Salt and Signer when empty) and signs it, returning a SignedOrder.
// Returns ErrInvalidAmount if MakerAmount/TakerAmount don't parse as a
// positive decimal, and ErrSignerMismatch if order.Signer names a
// different address than this Signer while SignatureType is EOA.
func (s *Signer) SignOrder(order types.OrderData, exchangeAddress string) (types.SignedOrder, error) {
	if err := validateAmount(order.MakerAmount, "makerAmount"); err != nil {
		return types.SignedOrder{}, err
	}
	if err := validateAmount(order.TakerAmount, "takerAmount"); err != nil {
		return types.SignedOrder{}, err
	}

	if order.Salt == "" {
		salt, err := s.GenerateSalt()
		if err != nil {
			return types.SignedOrder{}, err
		}
		order.Salt = salt
	}

	if order.Signer == "" {
		order.Signer = s.Address()
	} else if order.SignatureType == types.SigEOA && !strings.EqualFold(order.Signer, s.Address()) {
		return types.SignedOrder{}, ErrSignerMismatch
	}

	digest, err := orderDigest(order, s.chainID, exchangeAddress)
	if err != nil {
		return types.SignedOrder{}, err
	}

	sig, err := signDigest(digest, s.privateKey)
	if err != nil {
		return types.SignedOrder{}, err
	}

	return types.SignedOrder{
		OrderData: order,
		Signature: "0x" + common.Bytes2Hex(sig),
	}, nil
}
