package types

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Decode error codes surfaced to clients in 402 rejections.
const (
	CodeEmptyPayload         = "EMPTY_PAYLOAD"
	CodeInvalidBase64        = "INVALID_BASE64_ENCODING"
	CodeInvalidJSON          = "INVALID_JSON"
	CodeInvalidPayloadFormat = "INVALID_PAYLOAD_FORMAT"
	CodeNotX402Payload       = "NOT_X402_PAYLOAD"
)

// DecodeError is a payment header decode failure with a protocol reason code.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsDecodeError returns the DecodeError wrapped in err, if any.
func AsDecodeError(err error) (*DecodeError, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// DecodePaymentPayload decodes and validates an X-Payment header value.
//
// The header carries base64(JSON PaymentPayload). Standard base64 is tried
// first; URL-safe base64 (with padding normalization) is accepted as a
// fallback since some wallet clients emit it. The function is pure: it never
// touches the network and returns a *DecodeError carrying one of the decode
// reason codes on any failure.
func DecodePaymentPayload(raw string) (*PaymentPayload, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &DecodeError{Code: CodeEmptyPayload, Message: "payment header is empty"}
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(normalizeURLSafeBase64(raw))
		if err != nil {
			return nil, &DecodeError{Code: CodeInvalidBase64, Message: "payment header is not valid base64 or base64url"}
		}
	}

	var rawPayload map[string]json.RawMessage
	if err := json.Unmarshal(decoded, &rawPayload); err != nil {
		// Distinguish malformed JSON from JSON of the wrong shape (arrays,
		// scalars) so the client sees the right reason code.
		var anything interface{}
		if json.Unmarshal(decoded, &anything) != nil {
			return nil, &DecodeError{Code: CodeInvalidJSON, Message: "decoded payment header is not valid JSON"}
		}
		return nil, &DecodeError{Code: CodeInvalidPayloadFormat, Message: "decoded payment header is not a JSON object"}
	}

	for _, field := range []string{"x402Version", "scheme", "network", "payload"} {
		if _, ok := rawPayload[field]; !ok {
			return nil, &DecodeError{
				Code:    CodeNotX402Payload,
				Message: fmt.Sprintf("missing required field: %s", field),
			}
		}
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, &DecodeError{Code: CodeInvalidPayloadFormat, Message: fmt.Sprintf("failed to parse payment payload: %v", err)}
	}

	return &payload, nil
}

// normalizeURLSafeBase64 converts a base64url string to standard base64,
// restoring padding to a multiple of four.
func normalizeURLSafeBase64(s string) string {
	s = strings.ReplaceAll(s, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return s
}
