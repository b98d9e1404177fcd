package facilitatorclient

import (
	"context"
	"fmt"

	"github.com/stablegate/x402gate/pkg/types"
)

// VerifySettler is the capability a payment attempt needs from a facilitator:
// one verify call and one settle call.
type VerifySettler interface {
	Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error)
	Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error)
}

// Binding is one strategy for acquiring a VerifySettler. Bindings are probed
// in a fixed order once at startup, not per request; the first strategy that
// resolves is adopted for the lifetime of the process.
type Binding interface {
	// Name identifies the strategy in logs.
	Name() string

	// Resolve returns the verify/settle capability, or an error when this
	// strategy cannot provide one.
	Resolve() (VerifySettler, error)
}

// Select probes bindings in order and adopts the first that resolves.
func Select(bindings ...Binding) (VerifySettler, error) {
	var lastErr error
	for _, b := range bindings {
		vs, err := b.Resolve()
		if err != nil {
			lastErr = fmt.Errorf("binding %s: %w", b.Name(), err)
			continue
		}
		return vs, nil
	}
	msg := "no facilitator binding provides verify and settle"
	if lastErr != nil {
		msg = fmt.Sprintf("%s (last: %v)", msg, lastErr)
	}
	return nil, &SetupError{Reason: ReasonVerifySettleNotFound, Message: msg}
}

// PrebuiltBinding adopts an already constructed high-level client.
type PrebuiltBinding struct {
	Client VerifySettler
}

func (b *PrebuiltBinding) Name() string { return "prebuilt" }

func (b *PrebuiltBinding) Resolve() (VerifySettler, error) {
	if b.Client == nil {
		return nil, fmt.Errorf("no prebuilt client configured")
	}
	return b.Client, nil
}

// FactoryBinding constructs a client from credentials via a factory function.
type FactoryBinding struct {
	Config *types.FacilitatorConfig
	New    func(*types.FacilitatorConfig) (VerifySettler, error)
}

func (b *FactoryBinding) Name() string { return "factory" }

func (b *FactoryBinding) Resolve() (VerifySettler, error) {
	if b.New == nil {
		return nil, fmt.Errorf("no factory configured")
	}
	return b.New(b.Config)
}

// EndpointBinding builds verify/settle from a raw endpoint descriptor,
// implementing the two calls as manual HTTP requests.
type EndpointBinding struct {
	Config *types.FacilitatorConfig
}

func (b *EndpointBinding) Name() string { return "endpoint" }

func (b *EndpointBinding) Resolve() (VerifySettler, error) {
	if b.Config == nil || b.Config.URL == "" {
		return nil, fmt.Errorf("no endpoint URL configured")
	}
	return NewFacilitatorClient(b.Config), nil
}

// FuncBinding adapts legacy flat verify/settle functions.
type FuncBinding struct {
	VerifyFunc func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error)
	SettleFunc func(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error)
}

func (b *FuncBinding) Name() string { return "legacy-funcs" }

func (b *FuncBinding) Resolve() (VerifySettler, error) {
	if b.VerifyFunc == nil || b.SettleFunc == nil {
		return nil, fmt.Errorf("verify and settle functions both required")
	}
	return &funcVerifySettler{verify: b.VerifyFunc, settle: b.SettleFunc}, nil
}

type funcVerifySettler struct {
	verify func(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.VerifyResponse, error)
	settle func(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*types.SettleResponse, error)
}

func (f *funcVerifySettler) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	return f.verify(ctx, payload, requirements)
}

func (f *funcVerifySettler) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	return f.settle(ctx, payload, requirements)
}
