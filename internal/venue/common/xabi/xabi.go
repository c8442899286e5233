// Package xabi holds small fixed-point and key-parsing helpers shared
// by on-chain venue adapters, factored out of blackhole.go's inline
// big.Int handling so every DEX adapter converts the same way.
package xabi

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// wad is the 18-decimal fixed-point scale most EVM perp DEXs use for
// prices, quantities and USD amounts.
var wad = new(big.Float).SetFloat64(1e18)

// FromWad converts an unsigned 18-decimal fixed-point value to a float64.
func FromWad(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f := new(big.Float).SetInt(v)
	f.Quo(f, wad)
	out, _ := f.Float64()
	return out
}

// FromSignedWad converts a signed 18-decimal fixed-point value (used
// for funding rates and position quantities, which can be negative)
// to a float64.
func FromSignedWad(v *big.Int) float64 {
	return FromWad(v)
}

// ToWad converts a float64 into an unsigned 18-decimal fixed-point
// big.Int, rounding toward zero.
func ToWad(v float64) *big.Int {
	f := new(big.Float).SetFloat64(v)
	f.Mul(f, wad)
	out, _ := f.Int(nil)
	return out
}

// ParsePrivateKey parses a hex-encoded secp256k1 private key, with or
// without a leading "0x", as decrypted by pkg/crypto before it reaches
// the venue adapter.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("xabi: invalid private key: %w", err)
	}
	return key, nil
}
