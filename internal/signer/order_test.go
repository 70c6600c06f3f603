package signer

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"polyclob/pkg/types"
)

const testPrivateKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := New(testPrivateKey, 137)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func sampleOrder() types.OrderData {
	return types.OrderData{
		Maker:       "0x1111111111111111111111111111111111111111",
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     "123456789",
		MakerAmount: "1000000",
		TakerAmount: "2000000",
		Side:        types.BUY,
		FeeRateBps:  "0",
		Nonce:       "0",
		Expiration:  "0",
	}
}

func TestNewDerivesAddress(t *testing.T) {
	t.Parallel()

	s := testSigner(t)
	key, _ := crypto.HexToECDSA(testPrivateKey)
	want := crypto.PubkeyToAddress(key.PublicKey).Hex()

	if got := s.Address(); got != want {
		t.Fatalf("Address() = %q, want %q", got, want)
	}
}

func TestNewInvalidKey(t *testing.T) {
	t.Parallel()

	if _, err := New("not-hex", 137); err == nil {
		t.Fatal("expected error for invalid private key")
	}
}

func TestGenerateSaltIsRandomAndPositive(t *testing.T) {
	t.Parallel()

	s := testSigner(t)
	a, err := s.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	b, err := s.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	if a == b {
		t.Fatalf("GenerateSalt produced identical salts: %q", a)
	}
	if strings.HasPrefix(a, "-") {
		t.Fatalf("GenerateSalt produced a negative value: %q", a)
	}
}

// Signing the same order twice with the same key must produce a
// byte-identical signature once the salt is pinned, and a well-formed
// 65-byte r||s||v signature with v in {27, 28}.
func TestSignOrderDeterministicDigest(t *testing.T) {
	t.Parallel()

	s := testSigner(t)
	order := sampleOrder()
	order.Salt = "12345"

	exchange := "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e"

	signed1, err := s.SignOrder(order, exchange)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	signed2, err := s.SignOrder(order, exchange)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}

	if signed1.Signature != signed2.Signature {
		t.Fatalf("signature not deterministic for a pinned salt: %q vs %q", signed1.Signature, signed2.Signature)
	}
	if !strings.HasPrefix(signed1.Signature, "0x") {
		t.Fatalf("signature missing 0x prefix: %q", signed1.Signature)
	}
	rawLen := len(signed1.Signature) - 2
	if rawLen != 130 {
		t.Fatalf("signature length = %d hex chars, want 130 (65 bytes)", rawLen)
	}
	vByte := signed1.Signature[len(signed1.Signature)-2:]
	if vByte != "1b" && vByte != "1c" {
		t.Fatalf("v byte = %q, want 1b (27) or 1c (28)", vByte)
	}
}

func TestSignOrderFillsSaltAndSigner(t *testing.T) {
	t.Parallel()

	s := testSigner(t)
	order := sampleOrder()

	signed, err := s.SignOrder(order, "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e")
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if signed.Salt == "" {
		t.Fatal("expected SignOrder to fill in a salt")
	}
	if !strings.EqualFold(signed.Signer, s.Address()) {
		t.Fatalf("expected Signer to default to %q, got %q", s.Address(), signed.Signer)
	}
}

func TestSignOrderSignerMismatch(t *testing.T) {
	t.Parallel()

	s := testSigner(t)
	order := sampleOrder()
	order.Signer = "0x9999999999999999999999999999999999999999"
	order.SignatureType = types.SigEOA

	_, err := s.SignOrder(order, "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e")
	if err == nil {
		t.Fatal("expected ErrSignerMismatch")
	}
	if !strings.Contains(err.Error(), "SIGNER_MISMATCH") {
		t.Fatalf("error = %v, want SIGNER_MISMATCH", err)
	}
}

// A maker/taker amount that doesn't parse as a decimal, or isn't
// strictly positive, must fail SignOrder rather than silently sign
// garbage.
func TestSignOrderInvalidAmount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		makerAmount string
		takerAmount string
	}{
		{"maker not a decimal", "not-a-number", "2000000"},
		{"taker not a decimal", "1000000", "not-a-number"},
		{"maker zero", "0", "2000000"},
		{"taker negative", "1000000", "-2000000"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := testSigner(t)
			order := sampleOrder()
			order.MakerAmount = tc.makerAmount
			order.TakerAmount = tc.takerAmount

			_, err := s.SignOrder(order, "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e")
			if err == nil {
				t.Fatal("expected ErrInvalidAmount")
			}
			if !strings.Contains(err.Error(), "INVALID_AMOUNT") {
				t.Fatalf("error = %v, want INVALID_AMOUNT", err)
			}
		})
	}
}

// A mismatch between order.Signer and the key's own address is only an
// error for EOA signatures. Proxy/Safe signing flows legitimately use a
// different signer.
func TestSignOrderProxySignerMismatchAllowed(t *testing.T) {
	t.Parallel()

	s := testSigner(t)
	order := sampleOrder()
	order.Signer = "0x9999999999999999999999999999999999999999"
	order.SignatureType = types.SigProxy

	if _, err := s.SignOrder(order, "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e"); err != nil {
		t.Fatalf("SignOrder: unexpected error for proxy signature type: %v", err)
	}
}

// A value representable within `decimals` fractional digits must scale
// and round back losslessly.
func TestToWeiLosslessRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		value    string
		decimals uint8
		want     string
	}{
		{"whole number", "5", 6, "5000000"},
		{"two fractional digits", "1.23", 6, "1230000"},
		{"six fractional digits", "1.234567", 6, "1234567"},
		{"smallest unit", "0.000001", 6, "1"},
		{"trailing zero fractional digits", "0.5", 6, "500000"},
		{"zero decimals", "1", 0, "1"},
		{"zero", "0", 6, "0"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			v, err := decimal.NewFromString(tc.value)
			if err != nil {
				t.Fatalf("NewFromString(%q): %v", tc.value, err)
			}
			if got := ToWei(v, tc.decimals); got != tc.want {
				t.Fatalf("ToWei(%s, %d) = %q, want %q", tc.value, tc.decimals, got, tc.want)
			}
		})
	}
}

// TestToWeiBankersRounding covers the half-to-even tie-breaking rule for
// values with more fractional digits than `decimals` retains.
func TestToWeiBankersRounding(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		value    string
		decimals uint8
		want     string
	}{
		{"below half rounds down", "1.00000025", 6, "1000000"},
		{"above half rounds up", "1.00000075", 6, "1000001"},
		{"half ties to even down", "1.0000005", 6, "1000000"},
		{"half ties to even up", "1.0000015", 6, "1000002"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			v, err := decimal.NewFromString(tc.value)
			if err != nil {
				t.Fatalf("NewFromString(%q): %v", tc.value, err)
			}
			if got := ToWei(v, tc.decimals); got != tc.want {
				t.Fatalf("ToWei(%s, %d) = %q, want %q", tc.value, tc.decimals, got, tc.want)
			}
		})
	}
}
