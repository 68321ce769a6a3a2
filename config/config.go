// Package config holds the network registry and process configuration
// for the gasless transfer facilitator. Contract addresses and EIP-712
// domain parameters are compiled in per network; everything environment
// dependent (keys, RPC endpoints, listen address) comes from the
// environment via viper.
package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/x402-bsc/gasless-relay/eip712"
)

// Network names accepted in DEFAULT_NETWORK.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// Network is the compiled-in description of one BNB Smart Chain network.
type Network struct {
	Name           string
	ChainID        *big.Int
	Token          common.Address
	Wrapper        common.Address
	WrapperDomain  eip712.Domain
	TokenDomain    eip712.Domain
	SupportsPermit bool
	Explorer       string // block explorer base URL
	DefaultRPCURL  string
}

// ExplorerLink renders the block explorer URL for a transaction hash.
func (n *Network) ExplorerLink(txHash common.Hash) string {
	return fmt.Sprintf("%s/tx/%s", n.Explorer, txHash.Hex())
}

var networks = map[string]*Network{
	NetworkMainnet: {
		Name:    NetworkMainnet,
		ChainID: big.NewInt(56),
		Token:   common.HexToAddress("0x8d0D000Ee44948FC98c9B98A4FA4921476f08B0d"),
		Wrapper: common.HexToAddress("0x6F212f443Ba6BD5aeeF87e37DEe2480F95b75a36"),
		WrapperDomain: eip712.Domain{
			Name:              "X402 BSC Wrapper",
			Version:           "2",
			ChainID:           big.NewInt(56),
			VerifyingContract: common.HexToAddress("0x6F212f443Ba6BD5aeeF87e37DEe2480F95b75a36"),
		},
		TokenDomain: eip712.Domain{
			Name:              "World Liberty Financial USD",
			Version:           "1",
			ChainID:           big.NewInt(56),
			VerifyingContract: common.HexToAddress("0x8d0D000Ee44948FC98c9B98A4FA4921476f08B0d"),
		},
		SupportsPermit: true,
		Explorer:       "https://bscscan.com",
		DefaultRPCURL:  "https://bsc-dataseed.binance.org",
	},
	NetworkTestnet: {
		Name:    NetworkTestnet,
		ChainID: big.NewInt(97),
		Token:   common.HexToAddress("0x004ba8e73b41750084b01edacc08c39662e262af"),
		Wrapper: common.HexToAddress("0x9C21afb2B9C04aD3E31868234AD94D5b895c5e07"),
		WrapperDomain: eip712.Domain{
			Name:              "X402 BSC Wrapper",
			Version:           "2",
			ChainID:           big.NewInt(97),
			VerifyingContract: common.HexToAddress("0x9C21afb2B9C04aD3E31868234AD94D5b895c5e07"),
		},
		TokenDomain: eip712.Domain{
			Name:              "World Liberty Financial USD",
			Version:           "1",
			ChainID:           big.NewInt(97),
			VerifyingContract: common.HexToAddress("0x004ba8e73b41750084b01edacc08c39662e262af"),
		},
		// The testnet token deployment predates EIP-2612 support.
		SupportsPermit: false,
		Explorer:       "https://testnet.bscscan.com",
		DefaultRPCURL:  "https://data-seed-prebsc-1-s1.binance.org:8545",
	},
}

// NetworkByName looks up a compiled-in network.
func NetworkByName(name string) (*Network, error) {
	n, ok := networks[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown network %q (expected %s or %s)", name, NetworkMainnet, NetworkTestnet)
	}
	return n, nil
}

// Config is the full runtime configuration of the facilitator process.
type Config struct {
	Network        *Network
	RPCURL         string
	PrivateKeyHex  string // facilitator signing key, without 0x prefix
	ListenAddr     string
	LogLevel       string
	RequestTimeout int // seconds, per inbound HTTP request
}

// Environment variable names.
const (
	EnvDefaultNetwork = "DEFAULT_NETWORK"
	EnvRPCURL         = "BSC_RPC_URL"
	EnvPrivateKey     = "FACILITATOR_PRIVATE_KEY"
	EnvListenAddr     = "LISTEN_ADDR"
	EnvLogLevel       = "LOG_LEVEL"
	EnvRequestTimeout = "REQUEST_TIMEOUT_SECONDS"
)

// Load reads configuration from the environment. Only the private key is
// mandatory; everything else has a workable default.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(EnvDefaultNetwork, NetworkMainnet)
	v.SetDefault(EnvListenAddr, ":3001")
	v.SetDefault(EnvLogLevel, "info")
	v.SetDefault(EnvRequestTimeout, 90)

	network, err := NetworkByName(v.GetString(EnvDefaultNetwork))
	if err != nil {
		return nil, err
	}

	key := strings.TrimPrefix(strings.TrimSpace(v.GetString(EnvPrivateKey)), "0x")
	if key == "" {
		return nil, fmt.Errorf("%s is required", EnvPrivateKey)
	}

	rpcURL := v.GetString(EnvRPCURL)
	if rpcURL == "" {
		rpcURL = network.DefaultRPCURL
	}

	return &Config{
		Network:        network,
		RPCURL:         rpcURL,
		PrivateKeyHex:  key,
		ListenAddr:     v.GetString(EnvListenAddr),
		LogLevel:       v.GetString(EnvLogLevel),
		RequestTimeout: v.GetInt(EnvRequestTimeout),
	}, nil
}
