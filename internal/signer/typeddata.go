package signer

import (
	"fmt"
	"math/big"
	"strconv"

	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"polyclob/pkg/types"
)

// exchangeDomainName/Version are fixed by the deployed Polymarket CTF
// Exchange contract; every signature is bound to this domain.
const (
	exchangeDomainName    = "Polymarket CTF Exchange"
	exchangeDomainVersion = "1"
)

// orderTypes is the EIP712Domain + Order type definition matching the
// exchange contract's ORDER_TYPEHASH.
func orderTypes() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"Order": {
			{Name: "salt", Type: "uint256"},
			{Name: "maker", Type: "address"},
			{Name: "signer", Type: "address"},
			{Name: "taker", Type: "address"},
			{Name: "tokenId", Type: "uint256"},
			{Name: "makerAmount", Type: "uint256"},
			{Name: "takerAmount", Type: "uint256"},
			{Name: "expiration", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "feeRateBps", Type: "uint256"},
			{Name: "side", Type: "uint8"},
			{Name: "signatureType", Type: "uint8"},
		},
	}
}

// orderDomain builds the EIP-712 domain separator inputs for the given
// chain and verifying contract.
func orderDomain(chainID int64, exchangeAddress string) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              exchangeDomainName,
		Version:           exchangeDomainVersion,
		ChainId:           (*ethmath.HexOrDecimal256)(big.NewInt(chainID)),
		VerifyingContract: exchangeAddress,
	}
}

// orderMessage converts OrderData into the EIP-712 message map. Every
// integer field is passed as a base-10 string; go-ethereum's typed-data
// encoder parses uintN fields from decimal strings.
func orderMessage(order types.OrderData) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"salt":          order.Salt,
		"maker":         order.Maker,
		"signer":        order.Signer,
		"taker":         order.Taker,
		"tokenId":       order.TokenID,
		"makerAmount":   order.MakerAmount,
		"takerAmount":   order.TakerAmount,
		"expiration":    order.Expiration,
		"nonce":         order.Nonce,
		"feeRateBps":    order.FeeRateBps,
		"side":          strconv.Itoa(int(order.Side.ABIValue())),
		"signatureType": strconv.Itoa(int(order.SignatureType)),
	}
}

// orderDigest computes the final EIP-712 v4 digest
// Keccak256(0x1901 || domainSeparator || structHash) for order, bound to
// the given chain and verifying (exchange) contract.
func orderDigest(order types.OrderData, chainID int64, exchangeAddress string) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       orderTypes(),
		PrimaryType: "Order",
		Domain:      orderDomain(chainID, exchangeAddress),
		Message:     orderMessage(order),
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}
	return digest, nil
}
