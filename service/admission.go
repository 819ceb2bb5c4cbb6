package service

import (
	"context"

	"github.com/c360/sensorgate/errors"
	"github.com/c360/sensorgate/reading"
	"github.com/c360/sensorgate/secevent"
)

// RejectionReason categorizes why an inbound request was refused.
type RejectionReason string

// Rejection reasons visible to callers. They identify the category without
// leaking detector state.
const (
	ReasonRateLimited  RejectionReason = "rate_limited"
	ReasonInvalid      RejectionReason = "invalid"
	ReasonUnauthorized RejectionReason = "unauthorized"
)

// Rejection is the outcome of a refused request.
type Rejection struct {
	Reason RejectionReason
}

// Request describes one inbound ingestion request. Authentication happens
// upstream; the gateway only receives the outcome.
type Request struct {
	IP            string
	UserID        int64
	Path          string
	Method        string
	Authenticated bool
}

// ScreenRequest runs the monitoring-only screening every request gets:
// record the request pattern and check IP reputation. It never rejects;
// suspicious traffic is logged and alerted by the analyzer itself.
func (g *Gateway) ScreenRequest(ctx context.Context, req Request) {
	g.analyzer.CheckIPReputation(ctx, req.IP)
	g.analyzer.RecordRequestPattern(ctx, req.IP, req.Path, req.Method)
}

// HandleInbound runs the full admission path for one reading: rate limit,
// screening, authentication outcome, then publish. A non-nil Rejection
// carries the caller-visible reason; the error is set only for collaborator
// failures on an otherwise admitted request.
func (g *Gateway) HandleInbound(ctx context.Context, req Request, r reading.Reading) (*Rejection, error) {
	if rej := g.admit(ctx, req); rej != nil {
		return rej, nil
	}

	if err := g.producer.Publish(ctx, r); err != nil {
		if errors.IsInvalid(err) {
			return &Rejection{Reason: ReasonInvalid}, nil
		}
		return nil, err
	}
	return nil, nil
}

// HandleInboundBatch is the batch variant of HandleInbound. The batch is
// all-or-nothing from the caller's view.
func (g *Gateway) HandleInboundBatch(ctx context.Context, req Request, batch reading.Batch) (*Rejection, error) {
	if rej := g.admit(ctx, req); rej != nil {
		return rej, nil
	}

	if err := g.producer.PublishBatch(ctx, batch); err != nil {
		if errors.IsInvalid(err) {
			return &Rejection{Reason: ReasonInvalid}, nil
		}
		return nil, err
	}
	return nil, nil
}

// admit applies the request-level checks shared by both inbound paths.
func (g *Gateway) admit(ctx context.Context, req Request) *Rejection {
	if !g.limiter.Allow(ctx, req.IP) {
		g.events.Log(ctx, secevent.EventRateLimit, map[string]any{
			"path":   req.Path,
			"method": req.Method,
		}, req.IP, req.UserID, secevent.SeverityWarning)
		return &Rejection{Reason: ReasonRateLimited}
	}

	g.ScreenRequest(ctx, req)

	if !req.Authenticated {
		g.events.Log(ctx, secevent.EventUnauthorizedAccess, map[string]any{
			"path":   req.Path,
			"method": req.Method,
		}, req.IP, req.UserID, secevent.SeverityInfo)
		return &Rejection{Reason: ReasonUnauthorized}
	}
	return nil
}
