package x402

import (
	"errors"

	"github.com/stablegate/x402gate/pkg/facilitatorclient"
)

// Config validation errors
var (
	ErrMissingPayTo       = errors.New("x402: payTo address is required")
	ErrInvalidPayTo       = errors.New("x402: payTo is not a valid address")
	ErrMissingPrice       = errors.New("x402: price is required")
	ErrInvalidPrice       = errors.New("x402: price must be a positive decimal")
	ErrUnsupportedNetwork = errors.New("x402: unsupported network")
)

// Attempt-local rejection reasons raised by this server (facilitator-reported
// invalidReason values pass through verbatim).
const (
	ReasonAuthorizationExpired = "AUTHORIZATION_EXPIRED"
	ReasonSettlementError      = "SETTLEMENT_ERROR"
	ReasonSettlementFailed     = "SETTLEMENT_FAILED"
)

// Facilitator invalidReason values that get dedicated client guidance.
const (
	ReasonSignatureAddressMismatch = "invalid_exact_evm_payload_signature_address"
	ReasonInvalidRequirements      = "invalid_payment_requirements"
)

// GuidanceFor maps a rejection reason to the client-facing error message for
// the 402 body. Signature-address mismatches get instructional text because
// they almost always mean the wallet signed for a different recipient or
// token domain than the one advertised.
func GuidanceFor(reason string) string {
	switch reason {
	case ReasonSignatureAddressMismatch:
		return "Payment signature does not match the advertised payTo address. Re-request the payment requirements and sign the authorization against the returned payTo and asset exactly."
	case ReasonInvalidRequirements:
		return "Payment requirements mismatch. Re-request this resource and retry with the freshly advertised requirements."
	case ReasonAuthorizationExpired:
		return "Payment authorization has expired. Sign a new authorization with a later validBefore."
	case facilitatorclient.ReasonMissingAPICredentials,
		facilitatorclient.ReasonAuthHeaderCreationFailed,
		facilitatorclient.ReasonVerifySettleNotFound:
		return "Payment processing is temporarily unavailable. Retry later."
	default:
		return "Payment could not be accepted: " + reason
	}
}
