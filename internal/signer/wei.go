package signer

import "github.com/shopspring/decimal"

// ToWei scales a human-readable decimal value to a wei-style fixed-point
// integer string at the given number of decimals. The conversion is
// lossless when value has at most `decimals` fractional digits; excess
// digits are dropped with banker's rounding (round-half-to-even) at the
// last retained digit.
func ToWei(value decimal.Decimal, decimals uint8) string {
	scaled := value.Shift(int32(decimals))
	return scaled.RoundBank(0).String()
}
