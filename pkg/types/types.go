// Package types defines the x402 wire types shared by the payment gate:
// payment requirements, payment payloads, and the facilitator verify/settle
// request and response shapes.
package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PaymentRequirements represents the payment requirements for a resource.
// The same instance must be serialized for both the verify and settle calls
// of one payment attempt; facilitators reject mismatches between the two.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	Asset             string `json:"asset"`

	// Extra contains token EIP-712 domain info for signature verification
	Extra *PaymentExtra `json:"extra,omitempty"`

	OutputSchema *json.RawMessage  `json:"outputSchema,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// PaymentExtra contains additional token metadata required for EIP-712
// signature verification. Name must match the token contract's registered
// name on the selected network or upstream signature checks fail.
type PaymentExtra struct {
	// Name is the ERC20 token name (used in EIP-712 domain)
	Name string `json:"name,omitempty"`
	// Version is the ERC20 token version (used in EIP-712 domain)
	Version string `json:"version,omitempty"`
	// GasLimit is an optional execution hint passed through to the
	// facilitator. Set on testnets with unreliable gas estimation.
	GasLimit string `json:"gasLimit,omitempty"`
}

// PaymentPayload represents the decoded payment payload from the X-Payment header.
type PaymentPayload struct {
	X402Version int              `json:"x402Version"`
	Scheme      string           `json:"scheme"`
	Network     string           `json:"network"`
	Payload     *ExactEvmPayload `json:"payload"`
}

// ExactEvmPayload represents the payload for an exact EVM payment.
type ExactEvmPayload struct {
	Signature     string                        `json:"signature"`
	Authorization *ExactEvmPayloadAuthorization `json:"authorization,omitempty"`
}

// ExactEvmPayloadAuthorization represents an EIP-3009 transferWithAuthorization
// message (used by USDC). Numeric fields are decimal strings per the protocol.
type ExactEvmPayloadAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Window returns the authorization validity window as unix seconds.
func (a *ExactEvmPayloadAuthorization) Window() (validAfter, validBefore int64, err error) {
	validAfter, err = strconv.ParseInt(a.ValidAfter, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid validAfter %q: %w", a.ValidAfter, err)
	}
	validBefore, err = strconv.ParseInt(a.ValidBefore, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid validBefore %q: %w", a.ValidBefore, err)
	}
	return validAfter, validBefore, nil
}

// NonceBytes decodes the authorization nonce, enforcing the EIP-3009
// 32-byte form.
func (a *ExactEvmPayloadAuthorization) NonceBytes() ([]byte, error) {
	b, err := hexutil.Decode(a.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce %q: %w", a.Nonce, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid nonce %q: got %d bytes, want 32", a.Nonce, len(b))
	}
	return b, nil
}

// RemainingValidity returns how long the authorization stays settleable
// relative to now. Negative durations mean the window already closed.
func (a *ExactEvmPayloadAuthorization) RemainingValidity(now time.Time) (time.Duration, error) {
	_, validBefore, err := a.Window()
	if err != nil {
		return 0, err
	}
	return time.Duration(validBefore-now.Unix()) * time.Second, nil
}

// VerifyResponse represents the response from the facilitator verify endpoint.
type VerifyResponse struct {
	IsValid       bool    `json:"isValid"`
	InvalidReason *string `json:"invalidReason,omitempty"`
	Payer         *string `json:"payer,omitempty"`
}

// SettleResponse represents the response from the facilitator settle endpoint.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason *string `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     string  `json:"network"`
	Payer       *string `json:"payer,omitempty"`
}

// EncodeToBase64String encodes the settle response for the
// X-Payment-Response header.
func (s *SettleResponse) EncodeToBase64String() (string, error) {
	jsonBytes, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode settle response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(jsonBytes), nil
}

// DecodeSettleResponseFromBase64 decodes an X-Payment-Response header value.
func DecodeSettleResponseFromBase64(encoded string) (*SettleResponse, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payment response header: %w", err)
	}
	var resp SettleResponse
	if err := json.Unmarshal(decoded, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment response: %w", err)
	}
	return &resp, nil
}

// VerifyRequest represents the request body for the facilitator /verify endpoint.
type VerifyRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest represents the request body for the facilitator /settle endpoint.
type SettleRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// SupportedKind represents a supported scheme-network pair from the
// facilitator /supported endpoint.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse represents the response from the facilitator /supported endpoint.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// FacilitatorConfig represents configuration for the facilitator service.
// CreateAuthHeaders returns per-operation header maps keyed by operation name
// ("verify", "settle", "supported").
type FacilitatorConfig struct {
	URL               string
	Timeout           func() time.Duration
	CreateAuthHeaders func() (map[string]map[string]string, error)
}
