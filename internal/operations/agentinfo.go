package operations

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/contoso/adu-agent/internal/retry"
	"github.com/contoso/adu-agent/internal/router"
	"github.com/contoso/adu-agent/internal/wire"
)

type agentInfoPhase int

const (
	agentInfoReady agentInfoPhase = iota
	agentInfoAwaitingResponse
)

// AgentInfoData is the AgentInfo operation's Context.Data payload.
type AgentInfoData struct {
	phase         agentInfoPhase
	correlationID []byte
	requestSentAt time.Time
}

// DeviceProperties supplies the compatProperties fields of the ainfo_req
// payload (spec 4.5.2): manufacturer, model, and any additional
// configured device properties.
type DeviceProperties struct {
	Manufacturer string
	Model        string
	Additional   map[string]string
}

type agentInfoPayload struct {
	SN               string            `json:"sn"`
	CompatProperties map[string]string `json:"compatProperties"`
}

// AgentInfo implements component C5's agent-info topic module (spec
// 4.5.2): gated by isDeviceEnrolled, publishes the device's compatibility
// properties.
type AgentInfo struct {
	ctx   *retry.Context
	deps  Dependencies
	props DeviceProperties
}

// NewAgentInfo builds the AgentInfo operation and registers its response
// handler with deps.Router.
func NewAgentInfo(deps Dependencies, props DeviceProperties) *AgentInfo {
	a := &AgentInfo{deps: deps, props: props}
	a.ctx = &retry.Context{
		OperationName:         "ainfo_req",
		OperationIntervalSecs: deps.OperationIntervalSecs,
		OperationTimeoutSecs:  deps.OperationTimeoutSecs,
		RetryParams:           deps.RetryParams,
		Data:                  &AgentInfoData{},
	}
	a.ctx.DoWork = a.doWork
	deps.Router.RegisterHandler(wire.MTAgentInfoResponse, a.onResponse)
	return a
}

// Context returns the operation's retry.Context.
func (a *AgentInfo) Context() *retry.Context { return a.ctx }

// EnsureArmed mirrors Enrollment.EnsureArmed: re-arms a Completed context
// once isAgentInfoReported has been cleared out from under it.
func (a *AgentInfo) EnsureArmed(now time.Time) {
	if a.ctx.State == retry.Completed && !a.deps.Store.IsAgentInfoReported() {
		a.ctx.Rearm(now)
	}
}

func (a *AgentInfo) doWork(stdctx context.Context, c *retry.Context) {
	data := c.Data.(*AgentInfoData)
	now := time.Now()

	if a.deps.Store.IsAgentInfoReported() {
		c.Complete(now)
		return
	}

	// Gated by isDeviceEnrolled (spec 4.5.2).
	if !a.deps.Store.IsDeviceEnrolled() {
		return
	}

	if data.phase == agentInfoAwaitingResponse && requestTimedOut(data.requestSentAt, requestAckTimeout, now) {
		data.phase = agentInfoReady
		data.correlationID = nil
		c.CancelOperation(now)
		return
	}
	if data.phase == agentInfoAwaitingResponse {
		return
	}

	if !readyToPublish(a.deps.Channel) {
		return
	}

	compat := make(map[string]string, len(a.props.Additional)+2)
	for k, v := range a.props.Additional {
		compat[k] = v
	}
	if a.props.Manufacturer != "" {
		compat["manufacturer"] = a.props.Manufacturer
	}
	if a.props.Model != "" {
		compat["model"] = a.props.Model
	}

	body, err := json.Marshal(agentInfoPayload{
		SN:               strconv.FormatInt(now.Unix(), 10),
		CompatProperties: compat,
	})
	if err != nil {
		c.ScheduleRetry(now, retry.CategoryDefault)
		return
	}

	cid := newCorrelationID()
	reqProps := wire.RequestEnvelope(wire.MTAgentInfoRequest)
	_, cat, err := a.deps.Channel.Publish(stdctx, a.deps.Channel.PublishTopic(), body, reqProps, cid)
	if err != nil {
		a.deps.logger().Warn("agentinfo: publish failed", "error", err)
		c.ScheduleRetry(now, classifyPublishFailure(cat))
		return
	}

	data.phase = agentInfoAwaitingResponse
	data.correlationID = cid
	data.requestSentAt = now
	c.LastExecutionTime = now
	c.State = retry.InProgress
}

// onResponse handles ainfo_resp (spec 4.5.2: "Same correlation/timeout/
// retry discipline as Enrollment").
func (a *AgentInfo) onResponse(payload []byte, props wire.UserProperties, correlationData []byte) {
	data := a.ctx.Data.(*AgentInfoData)
	if !router.MatchesCorrelation(data.correlationID, correlationData) {
		return
	}
	data.phase = agentInfoReady
	data.correlationID = nil

	now := time.Now()
	resultCode, _ := wire.ParseResultCode(props)

	switch {
	case resultCode == wire.Success:
		a.deps.Store.SetAgentInfoReported(true)
		a.ctx.Complete(now)
	case resultCode == wire.AgentNotEnrolled:
		// "resets both enrollment and agent-info flags (forces a full
		// re-handshake)" (spec 4.5.2).
		a.deps.Store.ClearGatingFlags()
		a.ctx.ScheduleRetry(now, retry.CategoryDefault)
	case resultCode.IsServiceTransient():
		a.ctx.ScheduleRetry(now, retry.CategoryServiceTransient)
	default:
		a.ctx.ScheduleRetry(now, retry.CategoryDefault)
	}
}
