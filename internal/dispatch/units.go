package dispatch

import (
	"fmt"
	"math/big"
	"strings"
)

const (
	EtherDecimals = 18
	GweiDecimals  = 9
)

// ParseUnits converts a decimal string such as "0.1" into base units with
// the given number of decimals. Fractions finer than one base unit are an
// error rather than being truncated.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	r, ok := new(big.Rat).SetString(s)
	if !ok || s == "" {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	if !r.IsInt() {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	return new(big.Int).Set(r.Num()), nil
}

// ParseEther converts ether to wei.
func ParseEther(s string) (*big.Int, error) { return ParseUnits(s, EtherDecimals) }

// FormatEther renders wei as a decimal ether string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(EtherDecimals), nil)
	s := new(big.Rat).SetFrac(wei, scale).FloatString(EtherDecimals)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
