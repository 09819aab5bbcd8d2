package money

import (
	"fmt"
	"sort"
	"strings"

	"github.com/CedrosPay/accessgate/internal/config"
)

// Asset is a currency an intent can be priced in.
type Asset struct {
	Code     string // SOL, USDC, PYUSD
	Decimals uint8  // 9 for SOL (lamports), 6 for the stablecoins
	Mint     string // SPL mint address; empty for native SOL
}

// Native reports whether the asset is lamport-denominated SOL.
func (a Asset) Native() bool {
	return a.Mint == ""
}

// Registry resolves currency codes to assets for one deployment.
type Registry struct {
	assets map[string]Asset
}

// NewRegistry builds the registry from the configured mints and decimals.
// SOL is always present.
func NewRegistry(cfg config.SolanaConfig) *Registry {
	r := &Registry{assets: map[string]Asset{
		"SOL": {Code: "SOL", Decimals: 9},
	}}
	for symbol, mint := range cfg.TokenMints {
		code := strings.ToUpper(symbol)
		decimals, ok := cfg.TokenDecimals[code]
		if !ok {
			decimals = 6
		}
		r.assets[code] = Asset{Code: code, Decimals: decimals, Mint: mint}
	}
	if d, ok := cfg.TokenDecimals["SOL"]; ok {
		sol := r.assets["SOL"]
		sol.Decimals = d
		r.assets["SOL"] = sol
	}
	return r
}

// Get looks up an asset by case-insensitive code.
func (r *Registry) Get(code string) (Asset, error) {
	asset, ok := r.assets[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Asset{}, fmt.Errorf("money: unknown asset: %s", code)
	}
	return asset, nil
}

// Codes lists the registered currency codes in sorted order.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.assets))
	for code := range r.assets {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
