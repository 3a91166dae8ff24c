// Package operations implements the three Topic Modules (spec section
// 4.5, component C5): Enrollment, AgentInfo, and UpdateRequest. All three
// share one code path — a retry.Context driven by the Retriable
// Operation Engine, wired to the MQTT channel and message router — and
// differ only in their request payload, gating condition, and response
// handling (spec 4.5: "All three operations share one code path
// parameterized by a small delegate record").
package operations

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/contoso/adu-agent/internal/channel"
	"github.com/contoso/adu-agent/internal/retry"
	"github.com/contoso/adu-agent/internal/router"
	"github.com/contoso/adu-agent/internal/statestore"
)

// Dependencies are the collaborators every topic module is built on.
// Channel, Router, and Store are shared across all three operations;
// RetryParams, OperationIntervalSecs, and OperationTimeoutSecs come from
// the per-operation configuration block (internal/config.OperationConfig).
type Dependencies struct {
	Channel *channel.Channel
	Router  *router.Router
	Store   *statestore.Store

	RetryParams           map[retry.Category]retry.Params
	OperationIntervalSecs int
	OperationTimeoutSecs  int

	Logger *slog.Logger
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// newCorrelationID generates a fresh request correlation id: a UUID with
// its hyphens stripped (spec 4.5.1 step 3: "Generate a fresh correlation
// id (UUID without hyphens)"), grounded on the same google/uuid usage the
// teacher's internal/mqtt/instance.go uses for its instance id.
func newCorrelationID() []byte {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return []byte(id)
}

// readyToPublish reports whether the channel has a usable session to
// publish a fresh request on (spec 4.5.1 step 3: "ensure prerequisites
// (channel connected, topics subscribed)").
func readyToPublish(ch *channel.Channel) bool {
	return ch.State() == channel.Connected && ch.TopicsSubscribed()
}

// classifyPublishFailure maps a channel.ErrorCategory from a failed
// Publish call to the retry category the operation should schedule,
// implementing spec 4.5.1 step 4's error-category table: non-recoverable
// publish errors cancel the operation outright (modeled as the
// NonRecoverable retry category, which retry.Context.ScheduleRetry always
// resolves straight to Failure), client-transient errors get the
// ClientTransient category, everything else gets Default.
func classifyPublishFailure(cat channel.ErrorCategory) retry.Category {
	switch cat {
	case channel.ErrCategoryNonRecoverable:
		return retry.CategoryNonRecoverable
	case channel.ErrCategoryClientTransient:
		return retry.CategoryClientTransient
	default:
		return retry.CategoryDefault
	}
}

// requestTimedOut reports whether a request sent at sentAt has exceeded
// the given timeout, per each operation's own "timeout -> Cancelling"
// transition (spec 4.5.1: "lastExecutionTime + 30s < now -> cancel";
// 4.5.3: "RequestAck -> 120s").
func requestTimedOut(sentAt time.Time, timeout time.Duration, now time.Time) bool {
	if sentAt.IsZero() {
		return false
	}
	return now.Sub(sentAt) >= timeout
}
