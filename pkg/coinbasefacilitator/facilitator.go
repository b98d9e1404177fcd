// Package coinbasefacilitator builds facilitator configs for the Coinbase CDP
// x402 facilitator, including per-operation JWT auth headers.
package coinbasefacilitator

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	cdpauth "github.com/coinbase/cdp-sdk/go/auth"
	"github.com/google/uuid"

	"github.com/stablegate/x402gate/pkg/facilitatorclient"
	"github.com/stablegate/x402gate/pkg/types"
)

const (
	CoinbaseFacilitatorBaseURL = "https://api.cdp.coinbase.com"
	CoinbaseFacilitatorV2Route = "/platform/v2/x402"
)

// CreateCdpAuthHeaders returns a header factory producing fresh JWTs per
// operation. Tokens are scoped to method and path, so each of verify, settle
// and supported gets its own Authorization header.
func CreateCdpAuthHeaders(apiKeyID, apiKeySecret string) func() (map[string]map[string]string, error) {
	return func() (map[string]map[string]string, error) {
		id := apiKeyID
		secret := apiKeySecret

		if id == "" {
			id = os.Getenv("CDP_API_KEY_ID")
		}
		if secret == "" {
			secret = os.Getenv("CDP_API_KEY_SECRET")
		}

		if id == "" || secret == "" {
			return nil, &facilitatorclient.SetupError{
				Reason:  facilitatorclient.ReasonMissingAPICredentials,
				Message: "CDP_API_KEY_ID and CDP_API_KEY_SECRET must be set",
			}
		}

		host := requestHost()
		correlation := createCorrelationHeader()

		operations := map[string]struct {
			method string
			path   string
		}{
			"verify":    {"POST", CoinbaseFacilitatorV2Route + "/verify"},
			"settle":    {"POST", CoinbaseFacilitatorV2Route + "/settle"},
			"supported": {"GET", CoinbaseFacilitatorV2Route + "/supported"},
		}

		headers := make(map[string]map[string]string, len(operations))
		for op, target := range operations {
			jwt, err := cdpauth.GenerateJWT(cdpauth.JwtOptions{
				KeyID:         id,
				KeySecret:     secret,
				RequestMethod: target.method,
				RequestHost:   host,
				RequestPath:   target.path,
			})
			if err != nil {
				return nil, &facilitatorclient.SetupError{
					Reason:  facilitatorclient.ReasonAuthHeaderCreationFailed,
					Message: fmt.Sprintf("failed to sign %s JWT: %v", op, err),
				}
			}
			headers[op] = map[string]string{
				"Authorization":       "Bearer " + jwt,
				"Correlation-Context": correlation,
			}
		}

		return headers, nil
	}
}

// CreateFacilitatorConfig creates a facilitator config for the Coinbase CDP
// x402 facilitator.
func CreateFacilitatorConfig(apiKeyID, apiKeySecret string) *types.FacilitatorConfig {
	return &types.FacilitatorConfig{
		URL:               CoinbaseFacilitatorBaseURL + CoinbaseFacilitatorV2Route,
		CreateAuthHeaders: CreateCdpAuthHeaders(apiKeyID, apiKeySecret),
	}
}

func createCorrelationHeader() string {
	pairs := []string{
		"correlation_id=" + uuid.NewString(),
		"sdk_language=go",
		"source=x402gate",
	}
	return strings.Join(pairs, ",")
}

func requestHost() string {
	parsed, err := url.Parse(CoinbaseFacilitatorBaseURL)
	if err != nil || parsed.Host == "" {
		return strings.TrimPrefix(CoinbaseFacilitatorBaseURL, "https://")
	}
	return parsed.Host
}
