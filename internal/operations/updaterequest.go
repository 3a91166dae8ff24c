package operations

import (
	"context"
	"time"

	"github.com/contoso/adu-agent/internal/retry"
	"github.com/contoso/adu-agent/internal/router"
	"github.com/contoso/adu-agent/internal/wire"
	"github.com/contoso/adu-agent/internal/workflow"
	"github.com/contoso/adu-agent/internal/workqueue"
	"github.com/contoso/adu-agent/internal/worker"
)

type udPhase int

const (
	udReady udPhase = iota
	udAwaitingResponse
	udProcessing
)

const requestAckTimeoutUpdate = 120 * time.Second

// UpdateRequestData is the UpdateRequest operation's Context.Data
// payload.
type UpdateRequestData struct {
	phase         udPhase
	correlationID []byte
	requestSentAt time.Time
}

// UpdateRequest implements component C5's update-request topic module
// (spec 4.5.3): gated by isAgentInfoReported, it requests applicable
// updates, hands non-empty responses to the work queue for the update
// worker (C6), and publishes the worker's report on a later tick.
type UpdateRequest struct {
	ctx    *retry.Context
	deps   Dependencies
	worker *worker.Worker
}

// NewUpdateRequest builds the UpdateRequest operation, registers its
// response/change-notify handlers, and publishes a weak back-reference
// to its Context in the state store (spec section 9's design note on
// breaking the state-store/context ownership cycle).
func NewUpdateRequest(deps Dependencies, w *worker.Worker) *UpdateRequest {
	u := &UpdateRequest{deps: deps, worker: w}
	u.ctx = &retry.Context{
		OperationName:         "upd_req",
		OperationIntervalSecs: deps.OperationIntervalSecs,
		OperationTimeoutSecs:  deps.OperationTimeoutSecs,
		RetryParams:           deps.RetryParams,
		Data:                  &UpdateRequestData{},
	}
	u.ctx.DoWork = u.doWork

	deps.Router.RegisterHandler(wire.MTUpdateResponse, u.onResponse)
	deps.Router.RegisterHandler(wire.MTUpdateChangeNotify, u.onChangeNotify)
	deps.Store.SetUpdateOperationContext(u.ctx)
	return u
}

// Context returns the operation's retry.Context.
func (u *UpdateRequest) Context() *retry.Context { return u.ctx }

func (u *UpdateRequest) operationIntervalSeconds() int {
	if u.deps.OperationIntervalSecs > 0 {
		return u.deps.OperationIntervalSecs
	}
	return 30
}

func (u *UpdateRequest) doWork(stdctx context.Context, c *retry.Context) {
	data := c.Data.(*UpdateRequestData)
	now := time.Now()

	// Gated by isAgentInfoReported (spec 4.5.3).
	if !u.deps.Store.IsAgentInfoReported() {
		return
	}

	switch data.phase {
	case udProcessing:
		u.pollWorkerReport(stdctx, data, now)
		return
	case udAwaitingResponse:
		if requestTimedOut(data.requestSentAt, requestAckTimeoutUpdate, now) {
			data.phase = udReady
			data.correlationID = nil
			c.CancelOperation(now)
		}
		return
	}

	if !readyToPublish(u.deps.Channel) {
		return
	}

	cid := newCorrelationID()
	props := wire.RequestEnvelope(wire.MTUpdateRequest)
	_, cat, err := u.deps.Channel.Publish(stdctx, u.deps.Channel.PublishTopic(), []byte("{}"), props, cid)
	if err != nil {
		u.deps.logger().Warn("updaterequest: publish failed", "error", err)
		c.ScheduleRetry(now, classifyPublishFailure(cat))
		return
	}

	data.phase = udAwaitingResponse
	data.correlationID = cid
	data.requestSentAt = now
	c.LastExecutionTime = now
	c.State = retry.InProgress
}

// pollWorkerReport implements spec 4.6 step 8's "the main UpdateRequest
// state machine publishes it on the next tick": once the update worker
// has a pending report, marshal and publish it, then settle into
// IdleWait for at least operationIntervalSecs (spec 4.5.3's timeout
// table).
func (u *UpdateRequest) pollWorkerReport(stdctx context.Context, data *UpdateRequestData, now time.Time) {
	if u.worker == nil {
		return
	}
	report := u.worker.TakePendingReport()
	if report == nil {
		// Still processing; the engine keeps ticking every ~100ms
		// (spec section 5) until the worker produces one.
		return
	}

	body, err := worker.MarshalReport(report)
	if err != nil {
		u.deps.logger().Error("updaterequest: failed to marshal report", "error", err)
	} else if readyToPublish(u.deps.Channel) {
		cid := newCorrelationID()
		props := wire.RequestEnvelope(wire.MTUpdateRequest)
		if _, _, pubErr := u.deps.Channel.Publish(stdctx, u.deps.Channel.PublishTopic(), body, props, cid); pubErr != nil {
			u.deps.logger().Warn("updaterequest: report publish failed", "error", pubErr)
		}
	}

	data.phase = udReady
	data.correlationID = nil
	u.idleWait(now)
}

func (u *UpdateRequest) idleWait(now time.Time) {
	u.ctx.NextExecutionTime = now.Add(time.Duration(u.operationIntervalSeconds()) * time.Second)
	u.ctx.State = retry.Idle
}

// onResponse handles upd_resp (spec 4.5.3's "Response code mapping").
func (u *UpdateRequest) onResponse(payload []byte, props wire.UserProperties, correlationData []byte) {
	data := u.ctx.Data.(*UpdateRequestData)
	if !router.MatchesCorrelation(data.correlationID, correlationData) {
		return
	}
	data.correlationID = nil

	now := time.Now()
	resultCode, _ := wire.ParseResultCode(props)

	switch {
	case resultCode == wire.Success && workflow.IsEmpty(payload):
		// "Empty payload {} means 'no applicable update'" (spec 4.5.3).
		data.phase = udReady
		u.idleWait(now)
	case resultCode == wire.Success:
		if q := u.deps.Store.UpdateWorkQueue(); q != nil {
			q.Push(workqueue.Item{Payload: payload})
		}
		data.phase = udProcessing
		u.ctx.State = retry.InProgress
	case resultCode == wire.BadRequest:
		data.phase = udReady
		u.ctx.NextExecutionTime = now.Add(5 * time.Minute)
		u.ctx.State = retry.Idle
	case resultCode == wire.AgentNotEnrolled:
		u.deps.Store.ClearGatingFlags()
		data.phase = udReady
		u.idleWait(now)
	case resultCode.IsServiceTransient():
		data.phase = udReady
		u.ctx.ScheduleRetry(now, retry.CategoryServiceTransient)
	default:
		data.phase = udReady
		u.ctx.ScheduleRetry(now, retry.CategoryDefault)
	}
}

// onChangeNotify handles upd_cn: resets updState to force a fresh
// request (spec 4.4).
func (u *UpdateRequest) onChangeNotify(payload []byte, props wire.UserProperties, correlationData []byte) {
	data := u.ctx.Data.(*UpdateRequestData)
	data.phase = udReady
	data.correlationID = nil
	u.ctx.Rearm(time.Now())
}
