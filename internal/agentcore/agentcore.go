// Package agentcore wires the six cloud-communication components — the
// State Store, Retriable Operation Engine, MQTT Channel, Message Router,
// Topic Modules, and Update Worker — into the agent's main tick loop
// (spec section 5: "single main thread drives the tick loop at ~10 Hz").
package agentcore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/contoso/adu-agent/internal/channel"
	"github.com/contoso/adu-agent/internal/config"
	"github.com/contoso/adu-agent/internal/handler"
	"github.com/contoso/adu-agent/internal/operations"
	"github.com/contoso/adu-agent/internal/persist"
	"github.com/contoso/adu-agent/internal/retry"
	"github.com/contoso/adu-agent/internal/router"
	"github.com/contoso/adu-agent/internal/statestore"
	"github.com/contoso/adu-agent/internal/telemetry"
	"github.com/contoso/adu-agent/internal/wire"
	"github.com/contoso/adu-agent/internal/worker"
	"github.com/contoso/adu-agent/internal/workqueue"
)

// tickInterval is the ~100ms cadence spec section 5 names for the main
// loop.
const tickInterval = 100 * time.Millisecond

// Core owns every wired component and drives the main tick loop.
type Core struct {
	cfg      *config.Config
	logger   *slog.Logger
	deviceID string

	store      *statestore.Store
	persist    *persist.Store
	channel    *channel.Channel
	router     *router.Router
	engine     *retry.Engine
	workQueue  *workqueue.Queue
	registry   *handler.Registry
	worker     *worker.Worker

	enrollment    *operations.Enrollment
	agentInfo     *operations.AgentInfo
	updateRequest *operations.UpdateRequest
}

// New wires every component from cfg. It opens (or creates) the durable
// store under cfg.DataDir, resolves or generates the external device id,
// and constructs the channel, router, state store, and all three topic
// modules, but does not start the tick loop — call Run for that.
func New(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("agentcore: create data dir: %w", err)
	}

	store, err := persist.Open(filepath.Join(cfg.DataDir, "agent.db"))
	if err != nil {
		return nil, fmt.Errorf("agentcore: open durable store: %w", err)
	}

	deviceID, err := resolveDeviceID(store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	stateStore := statestore.New()
	if scopeID, err := store.ScopeID(); err == nil && scopeID != "" {
		stateStore.SetServiceInstance(scopeID)
	}
	stateStore.SetExternalDeviceID(deviceID)

	rtr := router.New(logger)

	queue := workqueue.New()
	stateStore.SetUpdateWorkQueue(queue)

	registry := handler.NewRegistry(handler.NoopHandler{})

	c := &Core{
		cfg:      cfg,
		logger:   logger,
		deviceID: deviceID,
		store:    stateStore,
		persist:  store,
		router:   rtr,
		engine:   retry.NewEngine(),
		workQueue: queue,
		registry:  registry,
	}

	ch := channel.New(connectionSettingsFromConfig(cfg), deviceID, channel.Hooks{
		OnConnected: func() {
			logger.Info("agentcore: channel connected")
		},
		OnDisconnected: func(category channel.DisconnectCategory) {
			telemetry.RecordDisconnect(disconnectCategoryLabel(category))
		},
		OnSubscribed: func() {
			logger.Info("agentcore: channel subscribed")
		},
		OnPublish: func(_ string, payload []byte, props wire.UserProperties, correlationData []byte) {
			rtr.Route(payload, props, correlationData)
		},
	}, logger)
	c.channel = ch

	w := worker.New(queue, registry, store, nil, logger)
	c.worker = w

	c.enrollment = operations.NewEnrollment(operations.Dependencies{
		Channel:               ch,
		Router:                rtr,
		Store:                 stateStore,
		RetryParams:           cfg.EnrollRequest.RetryParamsMap(),
		OperationIntervalSecs: cfg.EnrollRequest.IntervalSeconds,
		OperationTimeoutSecs:  cfg.EnrollRequest.TimeoutSeconds,
		Logger:                logger,
	})

	c.agentInfo = operations.NewAgentInfo(operations.Dependencies{
		Channel:               ch,
		Router:                rtr,
		Store:                 stateStore,
		RetryParams:           cfg.AgentInfoReq.RetryParamsMap(),
		OperationIntervalSecs: cfg.AgentInfoReq.IntervalSeconds,
		OperationTimeoutSecs:  cfg.AgentInfoReq.TimeoutSeconds,
		Logger:                logger,
	}, operations.DeviceProperties{
		Manufacturer: cfg.Manufacturer,
		Model:        cfg.Model,
		Additional:   cfg.AdditionalDeviceProperties,
	})

	c.updateRequest = operations.NewUpdateRequest(operations.Dependencies{
		Channel:               ch,
		Router:                rtr,
		Store:                 stateStore,
		RetryParams:           cfg.UpdateRequest.RetryParamsMap(),
		OperationIntervalSecs: cfg.UpdateRequest.IntervalSeconds,
		OperationTimeoutSecs:  cfg.UpdateRequest.TimeoutSeconds,
		Logger:                logger,
	}, w)

	return c, nil
}

// resolveDeviceID returns the durably-persisted external device id. On
// first run it takes cfg.ConnectionData, or a fresh UUID when that is
// empty, and persists it — the same
// generate-once-and-cache idiom the teacher's internal/mqtt/instance.go
// uses for its Home-Assistant instance id.
func resolveDeviceID(store *persist.Store, cfg *config.Config) (string, error) {
	if id, err := store.ExternalDeviceID(); err == nil && id != "" {
		return id, nil
	}
	id := cfg.ConnectionData
	if id == "" {
		id = uuid.NewString()
	}
	if err := store.SetExternalDeviceID(id); err != nil {
		return "", fmt.Errorf("agentcore: persist device id: %w", err)
	}
	return id, nil
}

func connectionSettingsFromConfig(cfg *config.Config) channel.ConnectionSettings {
	b := cfg.MQTTBroker
	return channel.ConnectionSettings{
		Host:            b.Hostname,
		Port:            b.TCPPort,
		MQTTVersion:     b.MQTTVersion,
		KeepAliveSecs:   b.KeepAliveInSeconds,
		CleanSession:    b.CleanSession,
		Username:        b.Username,
		Password:        b.Password,
		CAFile:          b.CAFile,
		CertFile:        b.CertFile,
		KeyFile:         b.KeyFile,
		KeyFilePassword: b.KeyFilePassword,
		UseTLS:          b.UseTLS,
		UseOSCerts:      b.UseOSCerts,
	}
}

func disconnectCategoryLabel(c channel.DisconnectCategory) string {
	switch c {
	case channel.Transient:
		return "Transient"
	case channel.NonRecoverable:
		return "NonRecoverable"
	default:
		return "Other"
	}
}

// Run drives the main tick loop until ctx is cancelled (spec section 5).
// The update worker runs on its own goroutine for the duration of Run.
func (c *Core) Run(ctx context.Context) error {
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	go c.worker.Run(workerCtx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one iteration: channel maintenance, then the three
// operations in the fixed order spec section 5 requires (Enrollment ->
// AgentInfo -> UpdateRequest), then telemetry gauges.
func (c *Core) tick(ctx context.Context) {
	start := time.Now()
	defer func() { telemetry.TickDuration.Observe(time.Since(start).Seconds()) }()

	c.channel.DoWork(ctx)
	telemetry.ChannelState.Set(float64(c.channel.State()))

	now := time.Now()
	c.enrollment.EnsureArmed(now)
	c.agentInfo.EnsureArmed(now)

	c.engine.Tick(ctx, c.enrollment.Context(), now)
	telemetry.RecordStateTransition("enr_req", c.enrollment.Context().State.String())

	c.engine.Tick(ctx, c.agentInfo.Context(), now)
	telemetry.RecordStateTransition("ainfo_req", c.agentInfo.Context().State.String())

	c.engine.Tick(ctx, c.updateRequest.Context(), now)
	telemetry.RecordStateTransition("upd_req", c.updateRequest.Context().State.String())

	telemetry.WorkQueueDepth.Set(float64(c.workQueue.Len()))
}

func (c *Core) shutdown() error {
	c.workQueue.Close()
	closeErr := c.channel.Close(context.Background())
	persistErr := c.persist.Close()
	if closeErr != nil {
		return closeErr
	}
	return persistErr
}

// HealthCheck exercises config validation, TLS credential loading (as a
// side effect of a single connect attempt), and one connect/disconnect
// cycle against the configured broker, so a bootstrap shell can implement
// --health-check by calling this and exiting with its result (see
// SPEC_FULL.md, "Health-check mode").
func (c *Core) HealthCheck() error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("healthcheck: invalid config: %w", err)
	}

	probe := channel.New(connectionSettingsFromConfig(c.cfg), c.deviceID, channel.Hooks{}, c.logger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	probe.DoWork(ctx)
	defer probe.Close(context.Background())

	if probe.State() != channel.Connected {
		return fmt.Errorf("healthcheck: failed to connect to %s:%d", c.cfg.MQTTBroker.Hostname, c.cfg.MQTTBroker.TCPPort)
	}
	return nil
}

// Close releases the durable store and any open session without waiting
// for a Run loop to observe context cancellation. Safe to call after Run
// has already returned.
func (c *Core) Close() error {
	return c.shutdown()
}

// RequestRestart records a workflow-initiated restart request (spec
// section 6: SIGUSR1) so the next bootstrap sees AgentRestartPending and
// can decide whether to re-exec. It does not itself stop Run — the
// caller is expected to cancel Run's context afterward.
func (c *Core) RequestRestart() error {
	return c.persist.SetAgentRestartPending(true)
}
