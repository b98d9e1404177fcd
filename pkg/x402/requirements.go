package x402

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stablegate/x402gate/pkg/types"
)

type networkConfig struct {
	assetAddress string
	decimals     int
	tokenName    string
	gasLimit     string
}

// supportedNetworks maps network selectors to their USDC deployment. The
// token name differs between mainnet and testnet deployments of the same
// token; the EIP-712 domain binds signatures to the contract's registered
// name, so advertising the wrong one makes valid signatures fail upstream.
var supportedNetworks = map[string]networkConfig{
	"base": {
		assetAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		decimals:     6,
		tokenName:    "USD Coin",
	},
	"base-sepolia": {
		assetAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		decimals:     6,
		tokenName:    "USDC",
		// Sepolia gas estimation is unreliable; hint a fixed elevated limit.
		gasLimit: "300000",
	},
}

// tokenVersion is the EIP-712 domain version USDC registers on both networks.
const tokenVersion = "2"

// BuildPaymentRequirements builds the canonical requirements object for one
// attempt. The returned value must be passed unchanged to both verify and
// settle; facilitators compare the two serializations byte for byte.
//
// payloadTo, when present and a valid address, takes precedence over the
// configured destination: echoing the authorization's own destination
// guarantees equality with what the facilitator independently derives.
func BuildPaymentRequirements(cfg *Config, resourceURL, payloadTo string) (*types.PaymentRequirements, error) {
	netCfg, ok := supportedNetworks[cfg.Network]
	if !ok {
		return nil, ErrUnsupportedNetwork
	}

	payTo := cfg.PayTo
	if payloadTo != "" && common.IsHexAddress(payloadTo) {
		payTo = payloadTo
	}

	if resourceURL == "" {
		resourceURL = cfg.ResourceURL
	}

	return &types.PaymentRequirements{
		Scheme:            "exact",
		Network:           cfg.Network,
		MaxAmountRequired: AmountToAssetUnits(cfg.Price, netCfg.decimals).String(),
		Resource:          resourceURL,
		Description:       cfg.Description,
		MimeType:          cfg.MimeType,
		PayTo:             payTo,
		MaxTimeoutSeconds: DefaultMaxTimeoutSeconds,
		Asset:             netCfg.assetAddress,
		Extra: &types.PaymentExtra{
			Name:     netCfg.tokenName,
			Version:  tokenVersion,
			GasLimit: netCfg.gasLimit,
		},
	}, nil
}

// AmountToAssetUnits converts a human-readable amount into base units using
// the token's decimals.
func AmountToAssetUnits(amount *big.Float, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaleFloat := new(big.Float).SetPrec(256).SetInt(scale)
	amountFloat := new(big.Float).SetPrec(256).Set(amount)
	res, _ := new(big.Float).Mul(amountFloat, scaleFloat).Int(nil)
	return res
}
