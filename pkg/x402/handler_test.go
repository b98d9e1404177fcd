package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stablegate/x402gate/pkg/facilitatorclient"
	"github.com/stablegate/x402gate/pkg/types"
)

type fakeFacilitator struct {
	verify func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error)
	settle func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error)

	verifyRequirements *types.PaymentRequirements
	settleRequirements *types.PaymentRequirements
	settleCalled       bool
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	f.verifyRequirements = requirements
	if f.verify != nil {
		return f.verify(ctx, payload, requirements)
	}
	return &types.VerifyResponse{IsValid: true}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	f.settleCalled = true
	f.settleRequirements = requirements
	if f.settle != nil {
		return f.settle(ctx, payload, requirements)
	}
	return &types.SettleResponse{Success: true, Transaction: "0xdeadbeef", Network: "base-sepolia"}, nil
}

func paymentHeader(t *testing.T, to string, validAfter, validBefore int64) string {
	t.Helper()

	payload := &types.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: &types.ExactEvmPayload{
			Signature: "0xvalidSignature",
			Authorization: &types.ExactEvmPayloadAuthorization{
				From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				To:          to,
				Value:       "10000",
				ValidAfter:  strconv.FormatInt(validAfter, 10),
				ValidBefore: strconv.FormatInt(validBefore, 10),
				Nonce:       "0xf3746613c2d920b5fdabc0856f2aeb2d4f88ee6037b8cc5d04a71a4462f13480",
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

func newTestHandler(t *testing.T, fac *fakeFacilitator, opts ...HandlerOption) *Handler {
	t.Helper()

	opts = append([]HandlerOption{
		WithFacilitator(fac),
		WithClock(func() time.Time { return time.Unix(1000, 0) }),
	}, opts...)
	h, err := NewHandler(testConfig("base-sepolia"), opts...)
	if err != nil {
		t.Fatalf("NewHandler returned error: %v", err)
	}
	return h
}

func TestProcessAttemptChallenge(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{}
	h := newTestHandler(t, fac)

	attempt := h.ProcessAttempt(context.Background(), "", "https://example.com/protected")
	if attempt.Kind != OutcomeChallenge {
		t.Fatalf("kind = %v, want challenge", attempt.Kind)
	}
	if attempt.Requirements == nil || attempt.Requirements.Resource != "https://example.com/protected" {
		t.Errorf("challenge must carry requirements for the resource, got %+v", attempt.Requirements)
	}
	if fac.verifyRequirements != nil || fac.settleCalled {
		t.Error("facilitator must not be contacted for a challenge")
	}
}

func TestProcessAttemptDecodeFailure(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &fakeFacilitator{})

	attempt := h.ProcessAttempt(context.Background(), "!!!not-base64!!!", "https://example.com/protected")
	if attempt.Kind != OutcomeRejected {
		t.Fatalf("kind = %v, want rejected", attempt.Kind)
	}
	if attempt.Reason != types.CodeInvalidBase64 {
		t.Errorf("reason = %q, want %q", attempt.Reason, types.CodeInvalidBase64)
	}
	if attempt.State != StateRejected {
		t.Errorf("state = %v, want rejected", attempt.State)
	}
}

func TestProcessAttemptMalformedNonce(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{}
	h := newTestHandler(t, fac)

	payload := &types.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: &types.ExactEvmPayload{
			Signature: "0xvalidSignature",
			Authorization: &types.ExactEvmPayloadAuthorization{
				From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				To:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Value:       "10000",
				ValidAfter:  "0",
				ValidBefore: "2000",
				Nonce:       "0x1234",
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	header := base64.StdEncoding.EncodeToString(data)

	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeRejected {
		t.Fatalf("kind = %v, want rejected", attempt.Kind)
	}
	if attempt.Reason != types.CodeInvalidPayloadFormat {
		t.Errorf("reason = %q, want %q", attempt.Reason, types.CodeInvalidPayloadFormat)
	}
	if fac.verifyRequirements != nil {
		t.Error("verify must not run for a malformed nonce")
	}
}

func TestProcessAttemptVerifyRejection(t *testing.T) {
	t.Parallel()

	reason := "invalid_exact_evm_payload_signature_address"
	fac := &fakeFacilitator{
		verify: func(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.VerifyResponse, error) {
			return &types.VerifyResponse{IsValid: false, InvalidReason: &reason}, nil
		},
	}
	h := newTestHandler(t, fac)

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 0, 2000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeRejected {
		t.Fatalf("kind = %v, want rejected", attempt.Kind)
	}
	if attempt.Reason != reason {
		t.Errorf("reason = %q, want the facilitator's invalidReason", attempt.Reason)
	}
	if fac.settleCalled {
		t.Error("settle must not run after a failed verification")
	}
}

func TestProcessAttemptVerifyTransportFault(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{
		verify: func(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.VerifyResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	h := newTestHandler(t, fac)

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 0, 2000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeFault {
		t.Fatalf("kind = %v, want fault", attempt.Kind)
	}
	if attempt.Fault == nil {
		t.Error("fault attempt must carry the underlying error")
	}
}

func TestProcessAttemptSetupErrorRejects(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{
		verify: func(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.VerifyResponse, error) {
			return nil, &facilitatorclient.SetupError{
				Reason:  facilitatorclient.ReasonMissingAPICredentials,
				Message: "missing credentials",
			}
		},
	}
	h := newTestHandler(t, fac)

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 0, 2000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeRejected {
		t.Fatalf("kind = %v, want rejected", attempt.Kind)
	}
	if attempt.Reason != facilitatorclient.ReasonMissingAPICredentials {
		t.Errorf("reason = %q", attempt.Reason)
	}
	// The client-facing detail carries generic guidance, never the server's
	// own configuration diagnostics.
	if strings.Contains(attempt.Detail, "CDP_API_KEY") {
		t.Errorf("detail leaks configuration internals: %q", attempt.Detail)
	}
	if attempt.Detail != GuidanceFor(facilitatorclient.ReasonMissingAPICredentials) {
		t.Errorf("detail = %q, want the generic guidance", attempt.Detail)
	}
}

// An authorization that has not reached validAfter yet is allowed through;
// the facilitator enforces activation.
func TestProcessAttemptNotYetActiveProceeds(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{}
	h := newTestHandler(t, fac) // clock fixed at t=1000

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 1500, 2000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeAccepted {
		t.Fatalf("kind = %v, want accepted", attempt.Kind)
	}
	if !fac.settleCalled {
		t.Error("settle must still run for a not-yet-active authorization")
	}
}

func TestProcessAttemptExpiredAuthorization(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{}
	h := newTestHandler(t, fac) // clock fixed at t=1000

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 0, 999)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeRejected {
		t.Fatalf("kind = %v, want rejected", attempt.Kind)
	}
	if attempt.Reason != ReasonAuthorizationExpired {
		t.Errorf("reason = %q, want %q", attempt.Reason, ReasonAuthorizationExpired)
	}
	if fac.settleCalled {
		t.Error("settle must not run for an expired authorization")
	}
}

func TestProcessAttemptExpiryBoundary(t *testing.T) {
	t.Parallel()

	// validBefore equal to now is still inside the window.
	fac := &fakeFacilitator{}
	h := newTestHandler(t, fac)

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 0, 1000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeAccepted {
		t.Fatalf("kind = %v, want accepted at the boundary", attempt.Kind)
	}
	if !fac.settleCalled {
		t.Error("settle must run when the window is still open")
	}
}

func TestProcessAttemptAccepted(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{}
	h := newTestHandler(t, fac)

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 0, 2000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeAccepted {
		t.Fatalf("kind = %v, want accepted", attempt.Kind)
	}
	if attempt.State != StateAccepted {
		t.Errorf("state = %v, want accepted", attempt.State)
	}
	if attempt.Settle == nil || !attempt.Settle.Success {
		t.Errorf("settle response = %+v", attempt.Settle)
	}
}

// Verify and settle must see the same requirements value; facilitators
// compare the two serializations.
func TestProcessAttemptRequirementsReuse(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{}
	h := newTestHandler(t, fac)

	to := "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	header := paymentHeader(t, to, 0, 2000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeAccepted {
		t.Fatalf("kind = %v, want accepted", attempt.Kind)
	}

	if fac.verifyRequirements != fac.settleRequirements {
		t.Error("verify and settle must receive the same requirements instance")
	}
	if diff := cmp.Diff(fac.verifyRequirements, fac.settleRequirements); diff != "" {
		t.Errorf("requirements diverged (-verify +settle):\n%s", diff)
	}
	if fac.verifyRequirements.PayTo != to {
		t.Errorf("payTo = %q, want the authorization destination %q", fac.verifyRequirements.PayTo, to)
	}
}

func TestProcessAttemptSettlementFailureLenient(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{
		settle: func(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.SettleResponse, error) {
			reason := "insufficient_funds"
			return &types.SettleResponse{Success: false, ErrorReason: &reason},
				&facilitatorclient.FacilitatorError{ErrorMessage: "insufficient_funds", HTTPStatus: 200}
		},
	}
	h := newTestHandler(t, fac) // lenient by default

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 0, 2000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeAccepted {
		t.Fatalf("kind = %v, want accepted under lenient policy", attempt.Kind)
	}
	if attempt.SettleErr == nil {
		t.Error("attempt must retain the settlement error for the composer")
	}
}

func TestProcessAttemptSettlementFailureStrict(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{
		settle: func(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.SettleResponse, error) {
			return &types.SettleResponse{Success: false},
				&facilitatorclient.FacilitatorError{ErrorMessage: "execution reverted", HTTPStatus: 400}
		},
	}
	h := newTestHandler(t, fac, WithPolicy(StrictPolicy{}))

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 0, 2000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeRejected {
		t.Fatalf("kind = %v, want rejected under strict policy", attempt.Kind)
	}
	if attempt.Reason != ReasonSettlementFailed {
		t.Errorf("reason = %q, want %q", attempt.Reason, ReasonSettlementFailed)
	}
}

func TestProcessAttemptSettlementTransportErrorStrict(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{
		settle: func(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.SettleResponse, error) {
			return nil, errors.New("connection reset")
		},
	}
	h := newTestHandler(t, fac, WithPolicy(StrictPolicy{}))

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 0, 2000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeRejected {
		t.Fatalf("kind = %v, want rejected", attempt.Kind)
	}
	if attempt.Reason != ReasonSettlementError {
		t.Errorf("reason = %q, want %q", attempt.Reason, ReasonSettlementError)
	}
}

type probingFacilitator struct {
	fakeFacilitator
	supported *types.SupportedResponse
}

func (p *probingFacilitator) Supported(context.Context) (*types.SupportedResponse, error) {
	return p.supported, nil
}

func TestProbeSupport(t *testing.T) {
	t.Parallel()

	// A facilitator without the probe is fine.
	h := newTestHandler(t, &fakeFacilitator{})
	_, ok, err := h.ProbeSupport(context.Background())
	if ok || err != nil {
		t.Errorf("ProbeSupport = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	prober := &probingFacilitator{
		supported: &types.SupportedResponse{
			Kinds: []types.SupportedKind{{X402Version: 1, Scheme: "exact", Network: "base-sepolia"}},
		},
	}
	h2, err := NewHandler(testConfig("base-sepolia"), WithFacilitator(prober))
	if err != nil {
		t.Fatalf("NewHandler returned error: %v", err)
	}

	resp, ok, err := h2.ProbeSupport(context.Background())
	if !ok || err != nil {
		t.Fatalf("ProbeSupport = (ok=%v, err=%v), want (true, nil)", ok, err)
	}
	if !h2.SupportsNetwork(resp) {
		t.Error("SupportsNetwork should report exact/base-sepolia as listed")
	}
	if h2.SupportsNetwork(&types.SupportedResponse{}) {
		t.Error("SupportsNetwork should be false for an empty kinds list")
	}
	if h2.SupportsNetwork(nil) {
		t.Error("SupportsNetwork should be false for nil")
	}
}

// An injected client resolves through the prebuilt strategy even though the
// factory strategy could also build one from config.
func TestNewHandlerAdoptsInjectedClient(t *testing.T) {
	t.Parallel()

	fac := &fakeFacilitator{}
	cfg := testConfig("base-sepolia")
	cfg.FacilitatorURL = "https://facilitator.example.com"

	h, err := NewHandler(cfg,
		WithFacilitator(fac),
		WithClock(func() time.Time { return time.Unix(1000, 0) }),
	)
	if err != nil {
		t.Fatalf("NewHandler returned error: %v", err)
	}

	header := paymentHeader(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", 0, 2000)
	attempt := h.ProcessAttempt(context.Background(), header, "https://example.com/protected")
	if attempt.Kind != OutcomeAccepted {
		t.Fatalf("kind = %v, want accepted", attempt.Kind)
	}
	if fac.verifyRequirements == nil || !fac.settleCalled {
		t.Error("the injected client must handle verify and settle")
	}
}

func TestNewHandlerInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(&Config{}); err == nil {
		t.Error("expected error for empty config")
	}
}
