package x402

import (
	"fmt"

	"github.com/stablegate/x402gate/pkg/types"
)

// State identifies where in the decode→verify→settle sequence an attempt is.
type State int

const (
	StateNoPayload State = iota
	StateDecoding
	StateVerifying
	StateExpiryCheck
	StateSettling
	StateAccepted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateNoPayload:
		return "NO_PAYLOAD"
	case StateDecoding:
		return "DECODING"
	case StateVerifying:
		return "VERIFYING"
	case StateExpiryCheck:
		return "EXPIRY_CHECK"
	case StateSettling:
		return "SETTLING"
	case StateAccepted:
		return "ACCEPTED"
	case StateRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// OutcomeKind is the protocol-visible result of one attempt.
type OutcomeKind int

const (
	// OutcomeChallenge means no payment was presented: 402 with requirements.
	OutcomeChallenge OutcomeKind = iota
	// OutcomeRejected means the payment was presented and refused: 402 with a reason.
	OutcomeRejected
	// OutcomeAccepted grants access: 200, optionally with settlement headers.
	OutcomeAccepted
	// OutcomeFault is an unclassified failure: 500, attempt-local only.
	OutcomeFault
)

// Attempt is the full record of one payment attempt, handed to the response
// composer. All fields are attempt-scoped; nothing persists across requests.
type Attempt struct {
	State  State
	Kind   OutcomeKind
	Reason string
	Detail string
	Fault  error

	Requirements *types.PaymentRequirements
	Payload      *types.PaymentPayload
	Verify       *types.VerifyResponse
	Settle       *types.SettleResponse
	SettleErr    error
}

// SettlementPolicy decides the attempt outcome once settlement has run.
// Verification already proved a validly signed, in-window authorization, so
// the policy only arbitrates settlement failures.
type SettlementPolicy interface {
	Name() string
	Decide(settle *types.SettleResponse, settleErr error) OutcomeKind
}

// LenientPolicy grants access regardless of settlement outcome. Settlement
// failure reflects facilitator-side execution risk, not payer fault; the
// verified authorization is considered sufficient. This trades payer
// protection for facilitator-outage tolerance.
type LenientPolicy struct{}

func (LenientPolicy) Name() string { return "lenient" }

func (LenientPolicy) Decide(*types.SettleResponse, error) OutcomeKind {
	return OutcomeAccepted
}

// StrictPolicy rejects the attempt when settlement fails.
type StrictPolicy struct{}

func (StrictPolicy) Name() string { return "strict" }

func (StrictPolicy) Decide(settle *types.SettleResponse, settleErr error) OutcomeKind {
	if settleErr != nil || settle == nil || !settle.Success {
		return OutcomeRejected
	}
	return OutcomeAccepted
}

// PolicyFromName returns the named policy, defaulting to lenient.
func PolicyFromName(name string) SettlementPolicy {
	if name == "strict" {
		return StrictPolicy{}
	}
	return LenientPolicy{}
}
