// Package address validates EVM wallet addresses.
package address

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalid is returned for strings that are not well-formed 20-byte hex addresses.
var ErrInvalid = errors.New("invalid address")

// Valid reports whether s is a 0x-prefixed, 40 hex character address.
// Mixed-case input must carry a correct EIP-55 checksum.
func Valid(s string) bool {
	if len(s) != 2+2*common.AddressLength {
		return false
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	if !common.IsHexAddress(s) {
		return false
	}
	body := s[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return common.HexToAddress(s).Hex() == "0x"+body
}

// Parse validates s and returns the decoded address.
func Parse(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !Valid(s) {
		return common.Address{}, ErrInvalid
	}
	return common.HexToAddress(s), nil
}

