package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidFormat occurs when parsing fails.
var ErrInvalidFormat = errors.New("money: invalid format")

// Money is an amount in atomic units (lamports, token base units) of an asset.
// Amounts are never negative.
type Money struct {
	Asset  Asset
	Atomic uint64
}

// New creates a Money from atomic units.
func New(asset Asset, atomic uint64) Money {
	return Money{Asset: asset, Atomic: atomic}
}

// FromAtomic parses a base-10 atomic amount.
//
//   - FromAtomic(SOL, "100000000") → 0.1 SOL
func FromAtomic(asset Asset, atomic string) (Money, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(atomic), 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return Money{Asset: asset, Atomic: value}, nil
}

// ToAtomic returns the atomic units as a decimal string.
func (m Money) ToAtomic() string {
	return strconv.FormatUint(m.Atomic, 10)
}

// ToMajor renders the amount in major units without trailing zeros, the form
// wallets expect in payment request URIs.
//
//   - Money{SOL, 100000000}.ToMajor() → "0.1"
//   - Money{USDC, 2500000}.ToMajor()  → "2.5"
//   - Money{USDC, 0}.ToMajor()        → "0"
func (m Money) ToMajor() string {
	digits := strconv.FormatUint(m.Atomic, 10)
	decimals := int(m.Asset.Decimals)
	if decimals == 0 {
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	integer := digits[:len(digits)-decimals]
	fraction := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if fraction == "" {
		return integer
	}
	return integer + "." + fraction
}

// Covers reports whether m is at least required, in the same asset.
func (m Money) Covers(required Money) bool {
	return m.Asset.Code == required.Asset.Code && m.Atomic >= required.Atomic
}

func (m Money) String() string {
	return m.ToMajor() + " " + m.Asset.Code
}
