package facilitatorclient

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Facilitator setup failure reasons. These surface to clients as a 402 with
// generic guidance; they describe this server's configuration, not the payer.
const (
	ReasonMissingAPICredentials    = "MISSING_API_CREDENTIALS"
	ReasonAuthHeaderCreationFailed = "AUTH_HEADER_CREATION_FAILED"
	ReasonVerifySettleNotFound     = "VERIFY_SETTLE_FUNCTIONS_NOT_FOUND"
)

// SetupError is a facilitator configuration or capability failure. It is
// fatal for the payment attempt but never for the process.
type SetupError struct {
	Reason  string
	Message string
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// FacilitatorError is an error response from a facilitator verify or settle
// endpoint. Structured fields are populated when the body carried the
// facilitator's error envelope; otherwise Raw holds the body text.
type FacilitatorError struct {
	ErrorMessage  string `json:"errorMessage"`
	ErrorType     string `json:"errorType"`
	CorrelationID string `json:"correlationId"`
	ErrorLink     string `json:"errorLink"`

	HTTPStatus int    `json:"-"`
	Raw        string `json:"-"`
}

func (e *FacilitatorError) Error() string {
	if e.ErrorMessage != "" {
		return fmt.Sprintf("facilitator error (%d): %s [%s]", e.HTTPStatus, e.ErrorMessage, e.ErrorType)
	}
	return fmt.Sprintf("facilitator error (%d): %s", e.HTTPStatus, e.Raw)
}

// FacilitatorSide reports whether the failure is attributable to the
// facilitator's execution environment rather than the payer. Gas estimation
// failures are the canonical case: the authorization itself is fine, the
// facilitator could not price its submission.
func (e *FacilitatorError) FacilitatorSide() bool {
	msg := strings.ToLower(e.ErrorMessage + " " + e.Raw)
	if strings.Contains(msg, "unable to estimate gas") || strings.Contains(msg, "gas estimation") {
		return true
	}
	return e.HTTPStatus >= 500
}

// ParseFacilitatorError parses a non-200 facilitator response body. It tries
// the structured error envelope first and falls back to the raw text when the
// body is not parseable as that envelope.
func ParseFacilitatorError(status int, body []byte) *FacilitatorError {
	facErr := &FacilitatorError{HTTPStatus: status, Raw: strings.TrimSpace(string(body))}
	var envelope FacilitatorError
	if err := json.Unmarshal(body, &envelope); err == nil && (envelope.ErrorMessage != "" || envelope.ErrorType != "") {
		envelope.HTTPStatus = status
		envelope.Raw = facErr.Raw
		return &envelope
	}
	return facErr
}

// looksLikeAuthFailure reports whether an auth-header construction error
// stems from signing or encoding (bad key material) as opposed to missing
// credentials.
func looksLikeAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"signature", "sign", "encod", "jwt", "pem"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
