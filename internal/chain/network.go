// Package chain holds the supported network registry and RPC connectivity.
//
// The registry is immutable at runtime: networks, chain IDs, and token
// contracts are compiled in, only the RPC endpoints come from configuration.
package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// USDCDecimals is the decimal precision of USDC on every supported network.
const USDCDecimals = 6

// Network describes one supported settlement network.
type Network struct {
	Name         string // Registry key, e.g. "POLYGON"
	DisplayName  string
	ChainID      int64
	ExplorerURL  string // Transaction URL prefix
	USDCContract common.Address
	NativeSymbol string
}

var networks = map[string]Network{
	"POLYGON": {
		Name:         "POLYGON",
		DisplayName:  "Polygon Mainnet",
		ChainID:      137,
		ExplorerURL:  "https://polygonscan.com/tx/",
		USDCContract: common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"),
		NativeSymbol: "MATIC",
	},
	"ETHEREUM": {
		Name:         "ETHEREUM",
		DisplayName:  "Ethereum Mainnet",
		ChainID:      1,
		ExplorerURL:  "https://etherscan.io/tx/",
		USDCContract: common.HexToAddress("0xA0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"),
		NativeSymbol: "ETH",
	},
	"BSC": {
		Name:         "BSC",
		DisplayName:  "Binance Smart Chain",
		ChainID:      56,
		ExplorerURL:  "https://bscscan.com/tx/",
		USDCContract: common.HexToAddress("0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d"),
		NativeSymbol: "BNB",
	},
}

// Lookup resolves a network by name, case-insensitively.
func Lookup(name string) (Network, error) {
	n, ok := networks[strings.ToUpper(name)]
	if !ok {
		return Network{}, fmt.Errorf("chain: unsupported network %q", name)
	}
	return n, nil
}

// Names lists the supported network names, sorted.
func Names() []string {
	out := make([]string, 0, len(networks))
	for name := range networks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ExplorerTxURL returns the block explorer link for a transaction hash.
func (n Network) ExplorerTxURL(txHash string) string {
	return n.ExplorerURL + txHash
}

// ValidAddress reports whether s is a well-formed hex address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// Checksum returns the EIP-55 checksummed form of an address.
func Checksum(s string) string {
	return common.HexToAddress(s).Hex()
}
