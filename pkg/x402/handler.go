// Package x402 implements the payment verification/settlement engine: payload
// decode, canonical requirements, the attempt state machine, and the
// settlement policy.
package x402

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stablegate/x402gate/pkg/coinbasefacilitator"
	"github.com/stablegate/x402gate/pkg/facilitatorclient"
	"github.com/stablegate/x402gate/pkg/types"
)

// Handler runs payment attempts end to end. It is stateless across requests;
// every attempt gets fresh value objects.
type Handler struct {
	cfg         *Config
	facilitator facilitatorclient.VerifySettler
	policy      SettlementPolicy
	now         func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithFacilitator injects a verify/settle capability; it is adopted through
// the prebuilt binding, ahead of the config-driven strategies. Used by tests
// and embedders with their own client.
func WithFacilitator(vs facilitatorclient.VerifySettler) HandlerOption {
	return func(h *Handler) {
		h.facilitator = vs
	}
}

// WithPolicy overrides the settlement policy.
func WithPolicy(p SettlementPolicy) HandlerOption {
	return func(h *Handler) {
		h.policy = p
	}
}

// WithClock overrides the expiry-check clock.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler builds a handler for the given config. The binding strategies
// are probed once here, in order, and the first that resolves is adopted for
// the process lifetime. An injected facilitator resolves through the prebuilt
// strategy; otherwise the factory builds a client from config.
func NewHandler(cfg *Config, opts ...HandlerOption) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Handler{
		cfg:    cfg,
		policy: PolicyFromName(cfg.SettlementPolicy),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	vs, err := facilitatorclient.Select(
		&facilitatorclient.PrebuiltBinding{Client: h.facilitator},
		&facilitatorclient.FactoryBinding{
			Config: facilitatorConfig(cfg),
			New: func(fc *types.FacilitatorConfig) (facilitatorclient.VerifySettler, error) {
				return facilitatorclient.NewFacilitatorClient(fc), nil
			},
		},
		&facilitatorclient.EndpointBinding{Config: facilitatorConfig(cfg)},
	)
	if err != nil {
		return nil, err
	}
	h.facilitator = vs

	return h, nil
}

// Policy returns the active settlement policy.
func (h *Handler) Policy() SettlementPolicy { return h.policy }

// supportProber is satisfied by facilitator clients exposing the /supported
// endpoint.
type supportProber interface {
	Supported(ctx context.Context) (*types.SupportedResponse, error)
}

// ProbeSupport asks the bound facilitator which scheme/network kinds it
// handles. ok is false when the facilitator does not expose the probe; the
// gate works without it.
func (h *Handler) ProbeSupport(ctx context.Context) (resp *types.SupportedResponse, ok bool, err error) {
	prober, ok := h.facilitator.(supportProber)
	if !ok {
		return nil, false, nil
	}
	resp, err = prober.Supported(ctx)
	return resp, true, err
}

// SupportsNetwork reports whether a supported-kinds response lists this
// handler's scheme and network.
func (h *Handler) SupportsNetwork(resp *types.SupportedResponse) bool {
	if resp == nil {
		return false
	}
	for _, kind := range resp.Kinds {
		if kind.Scheme == "exact" && kind.Network == h.cfg.Network {
			return true
		}
	}
	return false
}

// ProcessAttempt runs one payment attempt: decode the header, build the
// canonical requirements, verify, check expiry, settle, and apply the
// settlement policy. It never returns an error; unclassified failures come
// back as an OutcomeFault attempt for the composer to render as a 500.
func (h *Handler) ProcessAttempt(ctx context.Context, paymentHeader, resourceURL string) *Attempt {
	// The advertised maxTimeoutSeconds bounds the whole sequence, not a
	// single socket.
	ctx, cancel := context.WithTimeout(ctx, DefaultMaxTimeoutSeconds*time.Second)
	defer cancel()

	attempt := &Attempt{State: StateNoPayload}

	requirements, err := BuildPaymentRequirements(h.cfg, resourceURL, "")
	if err != nil {
		return fault(attempt, err)
	}
	attempt.Requirements = requirements

	if paymentHeader == "" {
		attempt.Kind = OutcomeChallenge
		return attempt
	}

	attempt.State = StateDecoding
	payload, err := types.DecodePaymentPayload(paymentHeader)
	if err != nil {
		if decodeErr, ok := types.AsDecodeError(err); ok {
			return reject(attempt, decodeErr.Code, decodeErr.Message)
		}
		return fault(attempt, err)
	}
	attempt.Payload = payload

	// Rebuild with the authorization's own destination so the facilitator
	// derives an identical requirements object.
	if auth := authorization(payload); auth != nil {
		// A malformed nonce can never verify; reject without the round trip.
		if _, err := auth.NonceBytes(); err != nil {
			return reject(attempt, types.CodeInvalidPayloadFormat, err.Error())
		}

		requirements, err = BuildPaymentRequirements(h.cfg, resourceURL, auth.To)
		if err != nil {
			return fault(attempt, err)
		}
		attempt.Requirements = requirements
	}

	attempt.State = StateVerifying
	verify, err := h.facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		var setupErr *facilitatorclient.SetupError
		if errors.As(err, &setupErr) {
			// The message describes this server's configuration; clients
			// only get the generic guidance.
			fmt.Printf("x402: facilitator setup failed: %s\n", setupErr)
			return reject(attempt, setupErr.Reason, GuidanceFor(setupErr.Reason))
		}
		return fault(attempt, err)
	}
	attempt.Verify = verify

	if !verify.IsValid {
		reason := "payment_verification_failed"
		if verify.InvalidReason != nil && *verify.InvalidReason != "" {
			reason = *verify.InvalidReason
		}
		return reject(attempt, reason, "")
	}

	attempt.State = StateExpiryCheck
	if auth := authorization(payload); auth != nil {
		validAfter, validBefore, err := auth.Window()
		if err == nil {
			now := h.now().Unix()
			if now > validBefore {
				return reject(attempt, ReasonAuthorizationExpired, GuidanceFor(ReasonAuthorizationExpired))
			}
			if now < validAfter {
				// Not yet active; the facilitator enforces this too.
				fmt.Printf("x402: warning: authorization not yet active (validAfter=%d now=%d)\n", validAfter, now)
			}
		}
	}

	attempt.State = StateSettling
	settle, settleErr := h.facilitator.Settle(ctx, payload, requirements)
	attempt.Settle = settle
	attempt.SettleErr = settleErr
	if settleErr != nil {
		var facErr *facilitatorclient.FacilitatorError
		if errors.As(settleErr, &facErr) && facErr.FacilitatorSide() {
			fmt.Printf("x402: settlement failed on facilitator side: %v\n", facErr)
		} else {
			fmt.Printf("x402: settlement failed: %v\n", settleErr)
		}
	}

	switch h.policy.Decide(settle, settleErr) {
	case OutcomeAccepted:
		attempt.State = StateAccepted
		attempt.Kind = OutcomeAccepted
		return attempt
	default:
		reason := ReasonSettlementFailed
		if settleErr != nil && (settle == nil || settle.Success) {
			reason = ReasonSettlementError
		}
		return reject(attempt, reason, "")
	}
}

func authorization(payload *types.PaymentPayload) *types.ExactEvmPayloadAuthorization {
	if payload == nil || payload.Payload == nil {
		return nil
	}
	return payload.Payload.Authorization
}

func reject(attempt *Attempt, reason, detail string) *Attempt {
	attempt.State = StateRejected
	attempt.Kind = OutcomeRejected
	attempt.Reason = reason
	attempt.Detail = detail
	return attempt
}

func fault(attempt *Attempt, err error) *Attempt {
	attempt.Kind = OutcomeFault
	attempt.Fault = err
	return attempt
}

// facilitatorConfig derives the facilitator endpoint descriptor from config:
// CDP facilitator with JWT auth when credentials are present, the configured
// or public facilitator otherwise.
func facilitatorConfig(cfg *Config) *types.FacilitatorConfig {
	if cfg.CDPAPIKeyID != "" && cfg.CDPAPIKeySecret != "" {
		fc := coinbasefacilitator.CreateFacilitatorConfig(cfg.CDPAPIKeyID, cfg.CDPAPIKeySecret)
		if cfg.FacilitatorURL != "" {
			fc.URL = cfg.FacilitatorURL
		}
		return fc
	}

	url := cfg.FacilitatorURL
	if url == "" {
		url = facilitatorclient.DefaultFacilitatorURL
	}
	return &types.FacilitatorConfig{URL: url}
}
