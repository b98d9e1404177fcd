// Package facilitatorclient implements the remote facilitator boundary:
// verify and settle calls with bounded endpoint fallback, per-operation auth
// headers, and structured error extraction.
package facilitatorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stablegate/x402gate/pkg/types"
)

const (
	// DefaultFacilitatorURL is the default URL for the x402 facilitator service
	DefaultFacilitatorURL = "https://x402.org/facilitator"

	headerContentType   = "Content-Type"
	headerRequestID     = "X-Request-Id"
	mimeApplicationJSON = "application/json"

	authHeaderVerify    = "verify"
	authHeaderSettle    = "settle"
	authHeaderSupported = "supported"

	x402Version = 1

	// settleRiskWindow flags settlements racing authorization expiry.
	settleRiskWindow = 30 * time.Second

	supportedRetries        = 3
	supportedRetryBaseDelay = 1 * time.Second
)

// defaultVerifyPaths is the ordered, bounded list of verify endpoint
// candidates. A single canonical path today; the fallback loop never
// iterates beyond this list.
var defaultVerifyPaths = []string{"/verify"}

const settlePath = "/settle"

// FacilitatorClient verifies and settles payments against a remote
// facilitator over HTTP. It implements VerifySettler.
type FacilitatorClient struct {
	URL               string
	HTTPClient        *http.Client
	CreateAuthHeaders func() (map[string]map[string]string, error)

	// VerifyPaths overrides the candidate verify endpoints. Defaults to
	// defaultVerifyPaths when empty.
	VerifyPaths []string

	// Now is the clock used for the settle risk-window check. Defaults to
	// time.Now; overridable in tests.
	Now func() time.Time
}

// NewFacilitatorClient creates a new facilitator client from config.
func NewFacilitatorClient(config *types.FacilitatorConfig) *FacilitatorClient {
	if config == nil {
		config = &types.FacilitatorConfig{URL: DefaultFacilitatorURL}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpCli := &http.Client{}
	if config.Timeout != nil {
		httpCli.Timeout = config.Timeout()
	}

	return &FacilitatorClient{
		URL:               url,
		HTTPClient:        httpCli,
		CreateAuthHeaders: config.CreateAuthHeaders,
		Now:               time.Now,
	}
}

// Verify sends a payment verification request to the facilitator.
//
// Candidate endpoint paths are tried in order; a non-200 response captures
// the body as a diagnostic and falls through to the next candidate. The loop
// is strictly bounded by the candidate list.
func (c *FacilitatorClient) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	body, err := json.Marshal(&types.VerifyRequest{
		X402Version:         x402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	paths := c.VerifyPaths
	if len(paths) == 0 {
		paths = defaultVerifyPaths
	}

	var lastErr error
	for _, path := range paths {
		resp, err := c.post(ctx, path, authHeaderVerify, body)
		if err != nil {
			var setupErr *SetupError
			if errors.As(err, &setupErr) {
				return nil, err
			}
			lastErr = err
			continue
		}

		responseBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read verify response: %w", readErr)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = ParseFacilitatorError(resp.StatusCode, responseBody)
			continue
		}

		var verifyResp types.VerifyResponse
		if err := json.Unmarshal(responseBody, &verifyResp); err != nil {
			return nil, fmt.Errorf("failed to decode verify response: %w", err)
		}
		return &verifyResp, nil
	}

	return nil, lastErr
}

// Settle executes a verified payment through the facilitator.
//
// Callers must only invoke Settle after Verify returned isValid. The exact
// requirements value passed to Verify must be passed here unchanged. A 200
// response whose success field is false is returned alongside a
// *FacilitatorError, the same as an HTTP failure: facilitators may encode
// failure inside a 200.
func (c *FacilitatorClient) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	c.logSettleRisk(payload)

	body, err := json.Marshal(&types.SettleRequest{
		X402Version:         x402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	resp, err := c.post(ctx, settlePath, authHeaderSettle, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read settle response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, ParseFacilitatorError(resp.StatusCode, responseBody)
	}

	var settleResp types.SettleResponse
	if err := json.Unmarshal(responseBody, &settleResp); err != nil {
		return nil, fmt.Errorf("failed to decode settle response: %w", err)
	}

	if !settleResp.Success {
		facErr := &FacilitatorError{HTTPStatus: resp.StatusCode, Raw: string(responseBody)}
		if settleResp.ErrorReason != nil {
			facErr.ErrorMessage = *settleResp.ErrorReason
		}
		return &settleResp, facErr
	}

	return &settleResp, nil
}

// Supported retrieves the payment kinds the facilitator can handle. Retries
// up to three times with exponential backoff on 429 responses.
func (c *FacilitatorClient) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	var lastErr error

	for attempt := range supportedRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/supported", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create supported request: %w", err)
		}
		req.Header.Set(headerContentType, mimeApplicationJSON)
		if err := c.addAuthHeaders(req, authHeaderSupported); err != nil {
			return nil, err
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send supported request: %w", err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read supported response: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var supported types.SupportedResponse
			if err := json.Unmarshal(responseBody, &supported); err != nil {
				return nil, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return &supported, nil
		}

		lastErr = ParseFacilitatorError(resp.StatusCode, responseBody)

		if resp.StatusCode == http.StatusTooManyRequests && attempt < supportedRetries-1 {
			delay := supportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, lastErr
	}

	return nil, lastErr
}

func (c *FacilitatorClient) post(ctx context.Context, path, operation string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)
	req.Header.Set(headerRequestID, uuid.NewString())

	if err := c.addAuthHeaders(req, operation); err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", operation, err)
	}
	return resp, nil
}

func (c *FacilitatorClient) addAuthHeaders(req *http.Request, operation string) error {
	if c.CreateAuthHeaders == nil {
		return nil
	}

	headers, err := c.CreateAuthHeaders()
	if err != nil {
		var setupErr *SetupError
		if errors.As(err, &setupErr) {
			return err
		}
		if looksLikeAuthFailure(err) {
			return &SetupError{Reason: ReasonAuthHeaderCreationFailed, Message: err.Error()}
		}
		return &SetupError{Reason: ReasonMissingAPICredentials, Message: err.Error()}
	}

	for key, value := range headers[operation] {
		req.Header.Set(key, value)
	}
	return nil
}

// logSettleRisk warns when fewer than 30 seconds of authorization validity
// remain: settlement may lose the race against expiry. The call proceeds
// regardless.
func (c *FacilitatorClient) logSettleRisk(payload *types.PaymentPayload) {
	if payload == nil || payload.Payload == nil || payload.Payload.Authorization == nil {
		return
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	remaining, err := payload.Payload.Authorization.RemainingValidity(now())
	if err != nil {
		return
	}
	if remaining < settleRiskWindow {
		fmt.Printf("x402: warning: settling with %s of authorization validity remaining\n", remaining)
	}
}
