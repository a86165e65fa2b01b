package types

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseAmount parses a non-negative decimal amount in atomic currency units.
// Fractions, signs, exponents and hex are rejected so that a malformed limit
// can never be silently truncated into a smaller one.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid amount %q: must be a non-negative integer", s)
		}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) *big.Int {
	n, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return n
}

// CloneAmount returns a copy of n, or zero when n is nil.
func CloneAmount(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(n)
}

// AmountString formats n for JSON and logs; nil renders as "0".
func AmountString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
