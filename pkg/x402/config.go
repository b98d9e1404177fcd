package x402

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMaxTimeoutSeconds is the advertised bound on the whole
// decode→verify→settle sequence.
const DefaultMaxTimeoutSeconds = 60

// Config is the payment gate configuration for a protected resource.
// Construction is fallible and checked once at startup; nothing here throws
// from global state.
type Config struct {
	// PayTo is the configured payment destination address.
	PayTo string
	// Network selects the chain ("base" or "base-sepolia").
	Network string
	// Price is the decimal-denominated charge (0.01 for one cent).
	Price *big.Float
	// ResourceURL is the canonical URL of the protected resource.
	ResourceURL string
	Description string
	MimeType    string

	// FacilitatorURL overrides the facilitator endpoint. Empty selects the
	// CDP facilitator when credentials are present, the public one otherwise.
	FacilitatorURL  string
	CDPAPIKeyID     string
	CDPAPIKeySecret string

	// SettlementPolicy selects "lenient" (default) or "strict".
	SettlementPolicy string
}

// LoadConfig reads configuration from the environment and validates it.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		PayTo:            strings.TrimSpace(os.Getenv("X402_PAY_TO")),
		Network:          strings.TrimSpace(os.Getenv("X402_NETWORK")),
		ResourceURL:      strings.TrimSpace(os.Getenv("X402_RESOURCE_URL")),
		Description:      os.Getenv("X402_DESCRIPTION"),
		MimeType:         os.Getenv("X402_MIME_TYPE"),
		FacilitatorURL:   strings.TrimSpace(os.Getenv("FACILITATOR_URL")),
		CDPAPIKeyID:      strings.TrimSpace(os.Getenv("CDP_API_KEY_ID")),
		CDPAPIKeySecret:  strings.TrimSpace(os.Getenv("CDP_API_KEY_SECRET")),
		SettlementPolicy: strings.TrimSpace(os.Getenv("X402_SETTLEMENT_POLICY")),
	}

	if price := strings.TrimSpace(os.Getenv("X402_PRICE")); price != "" {
		parsed, ok := new(big.Float).SetString(price)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, price)
		}
		cfg.Price = parsed
	}

	if cfg.Network == "" {
		cfg.Network = "base-sepolia"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for the fields every attempt depends on.
func (c *Config) Validate() error {
	if c.PayTo == "" {
		return ErrMissingPayTo
	}
	if !common.IsHexAddress(c.PayTo) {
		return fmt.Errorf("%w: %q", ErrInvalidPayTo, c.PayTo)
	}
	if c.Price == nil {
		return ErrMissingPrice
	}
	if c.Price.Sign() <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, c.Price.Text('f', -1))
	}
	if _, ok := supportedNetworks[c.Network]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedNetwork, c.Network)
	}
	return nil
}
