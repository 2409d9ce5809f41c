package x402

import (
	"math/big"
	"strconv"
	"strings"
)

// Chain describes an EVM chain permits can be signed for.
type Chain struct {
	// Name is a human-readable chain name.
	Name string

	// Network is the canonical CAIP-2 identifier.
	Network string

	// ID is the numeric EIP-155 chain id.
	ID *big.Int

	// DefaultTokenName and DefaultTokenVersion are the EIP-712 domain
	// parameters of the chain's default payment asset (USDC), used when the
	// router does not advertise its own.
	DefaultTokenName    string
	DefaultTokenVersion string
}

// Supported chains. Unrecognized network strings resolve to Base.
var (
	ChainEthereum = Chain{
		Name:                "Ethereum Mainnet",
		Network:             "eip155:1",
		ID:                  big.NewInt(1),
		DefaultTokenName:    "USD Coin",
		DefaultTokenVersion: "2",
	}

	ChainBase = Chain{
		Name:                "Base",
		Network:             "eip155:8453",
		ID:                  big.NewInt(8453),
		DefaultTokenName:    "USD Coin",
		DefaultTokenVersion: "2",
	}

	ChainBaseSepolia = Chain{
		Name:                "Base Sepolia",
		Network:             "eip155:84532",
		ID:                  big.NewInt(84532),
		DefaultTokenName:    "USDC",
		DefaultTokenVersion: "2",
	}
)

var chainsByNetwork = map[string]Chain{
	ChainEthereum.Network:    ChainEthereum,
	ChainBase.Network:        ChainBase,
	ChainBaseSepolia.Network: ChainBaseSepolia,
}

// ResolveChain returns the chain for a CAIP-2 network identifier.
// Unrecognized networks fall back to Base rather than failing, so a router
// advertising an unknown chain degrades to a permit the router will reject
// (and the single-retry policy surfaces that rejection).
func ResolveChain(network string) Chain {
	if chain, ok := chainsByNetwork[network]; ok {
		return chain
	}
	return ChainBase
}

// ChainIDForNetwork derives the numeric chain id for an "eip155:<id>" network
// string. When the suffix is absent or non-numeric, the resolved chain's own
// id is used.
func ChainIDForNetwork(network string) *big.Int {
	chain := ResolveChain(network)

	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] != "eip155" {
		return chain.ID
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return chain.ID
	}
	return big.NewInt(id)
}
