// Package bus abstracts the control-plane message bus. The agent only needs
// a small capability set: subscribe to its command channel, publish reports,
// and read the bus-backed settings object. Two backends exist: Redis pub/sub
// (the default, matching the control plane) and MQTT.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/logging"
	"github.com/truongvando/ezstream/internal/observability/metrics"
)

// ReceiverCountUnknown is returned by Publish when the backend cannot report
// how many subscribers received the message.
const ReceiverCountUnknown = -1

// Outbound channels shared by every host. The inbound command channel is
// per-host and comes from conf.Settings.CommandChannel.
const (
	ChannelReports = "agent-reports"
	ChannelStats   = "vps-stats"
)

const (
	// publishTimeout bounds every publish call. Back-pressure handling is
	// the reporter's job, not the bus client's.
	publishTimeout = 200 * time.Millisecond

	// Reconnect backoff window for the subscribe loops.
	reconnectBackoffBase = 2 * time.Second
	reconnectBackoffCap  = 60 * time.Second
)

// Client is the capability set the agent needs from the message bus.
type Client interface {
	// Connect establishes the initial connection. It returns an error when
	// the bus is unreachable; the caller decides whether to retry.
	Connect(ctx context.Context) error

	// Subscribe registers a handler for a channel and keeps the
	// subscription alive across reconnects until the client is closed.
	// Handlers run on the subscription goroutine and must not block.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error

	// Publish sends a payload to a channel. It returns the number of
	// receivers when the backend reports one, else ReceiverCountUnknown.
	// Publish never blocks longer than the publish timeout.
	Publish(ctx context.Context, channel string, payload []byte) (receivers int, err error)

	// FetchSettings reads the control-plane settings object for this host
	// from the bus-backed settings store.
	FetchSettings(ctx context.Context) ([]byte, error)

	// Connected reports the current connection state.
	Connected() bool

	// OnReconnect registers a callback fired after a lost connection has
	// been re-established and subscriptions restored.
	OnReconnect(fn func())

	// Close tears down subscriptions and the connection.
	Close() error
}

// Package-level logger for bus events.
var busLogger *slog.Logger

func init() {
	busLogger = logging.ForService("bus")
}

// NewClient builds the bus client selected by the settings.
func NewClient(settings *conf.Settings, m *metrics.BusMetrics) (Client, error) {
	switch settings.Bus.Backend {
	case "", "redis":
		return NewRedisClient(settings, m), nil
	case "mqtt":
		return NewMQTTClient(settings, m), nil
	default:
		return nil, errors.Newf("unknown bus backend %q", settings.Bus.Backend).
			Component("bus").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// nextBackoff doubles the backoff up to the cap.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectBackoffCap {
		return reconnectBackoffCap
	}
	return next
}
