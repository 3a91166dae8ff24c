package operations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/contoso/adu-agent/internal/retry"
	"github.com/contoso/adu-agent/internal/router"
	"github.com/contoso/adu-agent/internal/wire"
)

// enrollPhase is Enrollment's own sub-state, layered on top of the
// generic retry.Context.State (spec 4.5.1's state diagram: Unknown ->
// Requesting -> {Enrolled, NotEnrolled, Cancelling}).
type enrollPhase int

const (
	enrollReady enrollPhase = iota
	enrollAwaitingResponse
)

// requestAckTimeout is the "lastExecutionTime + 30s" deadline spec 4.5.1
// step 2 names for an enrollment request stuck without a response.
const requestAckTimeout = 30 * time.Second

// EnrollmentData is the Enrollment operation's Context.Data payload.
type EnrollmentData struct {
	phase         enrollPhase
	correlationID []byte
	requestSentAt time.Time
}

// Enrollment implements component C5's enrollment topic module (spec
// 4.5.1): establish that the device is known to the service and obtain a
// scopeId.
type Enrollment struct {
	ctx  *retry.Context
	deps Dependencies
}

// NewEnrollment builds the Enrollment operation and registers its
// response/change-notify handlers with deps.Router.
func NewEnrollment(deps Dependencies) *Enrollment {
	e := &Enrollment{deps: deps}
	e.ctx = &retry.Context{
		OperationName:         "enr_req",
		OperationIntervalSecs: deps.OperationIntervalSecs,
		OperationTimeoutSecs:  deps.OperationTimeoutSecs,
		RetryParams:           deps.RetryParams,
		Data:                  &EnrollmentData{},
	}
	e.ctx.DoWork = e.doWork

	deps.Router.RegisterHandler(wire.MTEnrollResponse, e.onResponse)
	deps.Router.RegisterHandler(wire.MTEnrollChangeNotify, e.onChangeNotify)
	return e
}

// Context returns the operation's retry.Context, for the main tick loop
// (internal/agentcore) to drive via retry.Engine.Tick.
func (e *Enrollment) Context() *retry.Context { return e.ctx }

// EnsureArmed re-arms a Completed context when the state store's
// enrollment flag has since been cleared out from under it (e.g. by
// AgentInfo's AgentNotEnrolled handling, spec 4.5.2) — the generic engine
// only re-ticks a terminal context when its owner explicitly re-arms it
// (spec 4.2), and Enrollment is the owner here.
func (e *Enrollment) EnsureArmed(now time.Time) {
	if e.ctx.State == retry.Completed && !e.deps.Store.IsDeviceEnrolled() {
		e.ctx.Rearm(now)
	}
}

func (e *Enrollment) doWork(stdctx context.Context, c *retry.Context) {
	data := c.Data.(*EnrollmentData)
	now := time.Now()

	// Step 1: already enrolled (locally or via a concurrent update to
	// the state store) -> stay Completed.
	if e.deps.Store.IsDeviceEnrolled() {
		c.Complete(now)
		return
	}

	// Step 2: a request has been outstanding too long -> cancel and
	// retry from scratch.
	if data.phase == enrollAwaitingResponse && requestTimedOut(data.requestSentAt, requestAckTimeout, now) {
		data.phase = enrollReady
		data.correlationID = nil
		c.CancelOperation(now)
		return
	}
	if data.phase == enrollAwaitingResponse {
		// Still waiting on enr_resp; nothing to do this tick.
		return
	}

	// Step 3: ensure prerequisites, then publish a fresh request.
	if !readyToPublish(e.deps.Channel) {
		return
	}

	cid := newCorrelationID()
	props := wire.RequestEnvelope(wire.MTEnrollRequest)
	_, cat, err := e.deps.Channel.Publish(stdctx, e.deps.Channel.PublishTopic(), []byte("{}"), props, cid)
	if err != nil {
		e.deps.logger().Warn("enrollment: publish failed", "error", err)
		c.ScheduleRetry(now, classifyPublishFailure(cat))
		return
	}

	// Step 5: transition to Requesting (modeled as AwaitingResponse —
	// our channel.Publish call is synchronous, so the publish-ack and
	// "Requesting" sub-phase collapse into one step).
	data.phase = enrollAwaitingResponse
	data.correlationID = cid
	data.requestSentAt = now
	c.LastExecutionTime = now
	c.State = retry.InProgress
}

type enrollResponseBody struct {
	IsEnrolled bool   `json:"isEnrolled"`
	ScopeID    string `json:"scopeId"`
}

// onResponse handles enr_resp (spec 4.5.1, "On enr_resp").
func (e *Enrollment) onResponse(payload []byte, props wire.UserProperties, correlationData []byte) {
	data := e.ctx.Data.(*EnrollmentData)
	if !router.MatchesCorrelation(data.correlationID, correlationData) {
		return
	}
	data.phase = enrollReady
	data.correlationID = nil

	now := time.Now()
	resultCode, _ := wire.ParseResultCode(props)

	var body enrollResponseBody
	_ = json.Unmarshal(payload, &body)

	switch {
	case resultCode == wire.Success && body.IsEnrolled:
		e.deps.Store.SetDeviceEnrolled(true)
		if body.ScopeID != "" {
			e.deps.Store.SetServiceInstance(body.ScopeID)
		}
		e.ctx.Complete(now)
	case resultCode == wire.AgentNotEnrolled || (resultCode == wire.Success && !body.IsEnrolled):
		e.deps.Store.SetDeviceEnrolled(false)
		e.ctx.ScheduleRetry(now, retry.CategoryDefault)
	case resultCode.IsServiceTransient():
		e.ctx.ScheduleRetry(now, retry.CategoryServiceTransient)
	default:
		e.ctx.ScheduleRetry(now, retry.CategoryDefault)
	}
}

// onChangeNotify handles enr_cn: receipt has no body and resets the
// operation to force a fresh request (spec 4.4: "receipt resets the
// corresponding operation's enrollmentState ... to force a fresh
// request").
func (e *Enrollment) onChangeNotify(payload []byte, props wire.UserProperties, correlationData []byte) {
	data := e.ctx.Data.(*EnrollmentData)
	data.phase = enrollReady
	data.correlationID = nil
	e.deps.Store.SetDeviceEnrolled(false)
	e.ctx.Rearm(time.Now())
}
