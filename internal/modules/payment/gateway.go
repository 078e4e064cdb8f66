// README: Payment collaborator boundary and an in-process stub gateway.
package payment

import (
	"context"
	"errors"
	"sync"

	"campusride/internal/types"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

const (
	MethodCash = "cash"
	MethodCard = "card"
	// MethodTransfer settles asynchronously; confirmation arrives on the payment events topic.
	MethodTransfer = "transfer"
)

var ErrDeclined = errors.New("payment declined")

type ChargeRequest struct {
	RideID         types.ID
	Amount         float64
	Currency       string
	Method         string
	IdempotencyKey string
}

type Result struct {
	ID         types.ID
	ExternalID string
	Status     Status
}

type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Result, error)
}

// StubGateway approves cash and card immediately, leaves transfers pending, and replays
// the first result for a repeated idempotency key.
type StubGateway struct {
	mu      sync.Mutex
	results map[string]Result
	// Decline, when set, fails every charge with ErrDeclined.
	Decline bool
}

func NewStubGateway() *StubGateway {
	return &StubGateway{results: make(map[string]Result)}
}

func (g *StubGateway) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.Amount < 0 {
		return Result{}, types.NewValidationError("negative charge amount")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Decline {
		return Result{}, ErrDeclined
	}
	if r, ok := g.results[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return r, nil
	}
	r := Result{
		ID:         types.NewID(),
		ExternalID: "stub_" + string(types.NewID()),
		Status:     StatusSucceeded,
	}
	switch req.Method {
	case MethodCash, MethodCard, "":
	case MethodTransfer:
		r.Status = StatusPending
	default:
		return Result{}, types.NewValidationError("unsupported payment method " + req.Method)
	}
	if req.IdempotencyKey != "" {
		g.results[req.IdempotencyKey] = r
	}
	return r, nil
}
