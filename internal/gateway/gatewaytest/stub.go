// Package gatewaytest provides a scripted gateway.Client for tests.
package gatewaytest

import (
	"context"
	"sync"

	"github.com/angelmondragon/recurring-billing/internal/gateway"
	"github.com/angelmondragon/recurring-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurring-billing/pkg/errors"
)

// Response is one scripted gateway answer.
type Response struct {
	Result gateway.ChargeResult
	Err    error
}

// Stub replays Responses in order and then repeats Default.
type Stub struct {
	mu        sync.Mutex
	responses []Response
	Default   Response
	Requests  []gateway.ChargeRequest
	// Hook runs before a response is returned, outside the lock.
	Hook func(req gateway.ChargeRequest)
}

// New returns a stub that approves every charge unless scripted otherwise.
func New(responses ...Response) *Stub {
	return &Stub{responses: responses, Default: Approve("")}
}

func (s *Stub) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	resp := s.Default
	if len(s.responses) > 0 {
		resp = s.responses[0]
		s.responses = s.responses[1:]
	}
	hook := s.Hook
	s.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return gateway.ChargeResult{}, pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "gateway call cancelled")
	}
	return resp.Result, resp.Err
}

// Calls returns how many charges were submitted.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// LastRequest returns the most recent charge request.
func (s *Stub) LastRequest() gateway.ChargeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Requests) == 0 {
		return gateway.ChargeRequest{}
	}
	return s.Requests[len(s.Requests)-1]
}

// Approve scripts an immediate approval.
func Approve(gatewayID string) Response {
	return outcome(enums.TransactionStatusApproved, gatewayID, "COMPLETED")
}

// Decline scripts an immediate decline.
func Decline(gatewayID, code string) Response {
	return outcome(enums.TransactionStatusDeclined, gatewayID, code)
}

// Fail scripts an immediate failure.
func Fail(gatewayID string) Response {
	return outcome(enums.TransactionStatusFailed, gatewayID, "FAILED")
}

// Pending scripts an accepted charge whose outcome arrives by webhook.
func Pending(gatewayID string) Response {
	return Response{Result: gateway.ChargeResult{Pending: true, GatewayTransactionID: gatewayID}}
}

// Transient scripts a timeout-like failure.
func Transient() Response {
	return Response{Err: pkgerrors.New(pkgerrors.CodeGatewayTransient, "gateway timeout")}
}

func outcome(status enums.TransactionStatus, gatewayID, code string) Response {
	return Response{Result: gateway.ChargeResult{
		GatewayTransactionID: gatewayID,
		Immediate: &gateway.Outcome{
			Status:               status,
			GatewayTransactionID: gatewayID,
			ResponseCode:         code,
		},
	}}
}
