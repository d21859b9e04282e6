// mqtt.go: MQTT backend for the control-plane bus. Channels map to topics
// with ':' replaced by '/'; the settings store is a retained message.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/observability/metrics"
)

const (
	mqttConnectTimeout    = 30 * time.Second
	mqttDisconnectQuiesce = 250 // milliseconds, paho API takes a plain uint
	mqttQoS               = 1

	// settingsFetchTimeout bounds the wait for the retained settings
	// message after subscribing to the settings topic.
	settingsFetchTimeout = 2 * time.Second
)

// mqttClient implements Client over an MQTT broker. Reconnection is
// delegated to paho's auto-reconnect; resubscription happens in the
// OnConnect hook, which also fires the agent's reconnect callbacks.
type mqttClient struct {
	internal      mqtt.Client
	broker        string
	clientID      string
	username      string
	password      string
	settingsTopic string

	connectedOnce atomic.Bool

	mu            sync.Mutex
	subscriptions map[string]func(payload []byte)
	onReconnect   []func()

	metrics *metrics.BusMetrics
}

// NewMQTTClient creates an MQTT-backed bus client from settings.
func NewMQTTClient(settings *conf.Settings, m *metrics.BusMetrics) Client {
	return &mqttClient{
		broker:        fmt.Sprintf("tcp://%s:%d", settings.Bus.Host, settings.Bus.Port),
		clientID:      "ezstream-agent-" + settings.Main.HostID + "-" + uuid.New().String()[:8],
		username:      settings.Bus.Username,
		password:      settings.Bus.Password,
		settingsTopic: channelToTopic(settings.SettingsKey()),
		subscriptions: make(map[string]func(payload []byte)),
		metrics:       m,
	}
}

// channelToTopic maps a bus channel name to an MQTT topic.
func channelToTopic(channel string) string {
	out := []byte(channel)
	for i := range out {
		if out[i] == ':' {
			out[i] = '/'
		}
	}
	return string(out)
}

// Connect establishes the broker connection with auto-reconnect enabled.
func (c *mqttClient) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.broker)
	opts.SetClientID(c.clientID)
	opts.SetUsername(c.username)
	opts.SetPassword(c.password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.internal = mqtt.NewClient(opts)

	token := c.internal.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return errors.Newf("mqtt connection timeout after %s", mqttConnectTimeout).
			Component("bus").
			Category(errors.CategoryTimeout).
			Context("broker", c.broker).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("bus").
			Category(errors.CategoryBusConnection).
			Context("broker", c.broker).
			Build()
	}
	return nil
}

// onConnect restores subscriptions after (re)connection and notifies the
// reconnect callbacks on everything but the first connect.
func (c *mqttClient) onConnect(client mqtt.Client) {
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(true)
	}

	c.mu.Lock()
	subs := make(map[string]func(payload []byte), len(c.subscriptions))
	for topic, handler := range c.subscriptions {
		subs[topic] = handler
	}
	callbacks := make([]func(), len(c.onReconnect))
	copy(callbacks, c.onReconnect)
	c.mu.Unlock()

	for topic, handler := range subs {
		h := handler
		t := topic
		client.Subscribe(t, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
			if c.metrics != nil {
				c.metrics.IncrementMessagesReceived(t)
			}
			h(msg.Payload())
		})
	}

	if c.connectedOnce.Swap(true) {
		busLogger.Info("MQTT bus reconnected, subscriptions restored", "count", len(subs))
		for _, fn := range callbacks {
			fn()
		}
	} else {
		busLogger.Info("Connected to MQTT bus", "broker", c.broker)
	}
}

// onConnectionLost records the disconnect; paho handles the retry.
func (c *mqttClient) onConnectionLost(_ mqtt.Client, err error) {
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(false)
		c.metrics.IncrementReconnectAttempts()
	}
	busLogger.Warn("MQTT bus connection lost", "error", err)
}

// Subscribe registers a handler; the actual broker subscription is made in
// the OnConnect hook so it survives reconnects.
func (c *mqttClient) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	topic := channelToTopic(channel)

	c.mu.Lock()
	c.subscriptions[topic] = handler
	c.mu.Unlock()

	if c.internal == nil || !c.internal.IsConnected() {
		return errors.Newf("cannot subscribe to %s: not connected", channel).
			Component("bus").
			Category(errors.CategoryBusSubscribe).
			Build()
	}

	token := c.internal.Subscribe(topic, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		if c.metrics != nil {
			c.metrics.IncrementMessagesReceived(topic)
		}
		handler(msg.Payload())
	})
	if !token.WaitTimeout(mqttConnectTimeout) {
		return errors.Newf("mqtt subscribe timeout for %s", channel).
			Component("bus").
			Category(errors.CategoryTimeout).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("bus").
			Category(errors.CategoryBusSubscribe).
			Context("channel", channel).
			Build()
	}
	return nil
}

// Publish sends a payload at QoS 1, waiting at most the publish timeout for
// broker acknowledgement. MQTT cannot report receiver counts.
func (c *mqttClient) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	topic := channelToTopic(channel)

	start := time.Now()
	token := c.internal.Publish(topic, mqttQoS, false, payload)
	ok := token.WaitTimeout(publishTimeout)
	err := token.Error()
	if ok && err == nil {
		if c.metrics != nil {
			c.metrics.RecordPublish(topic, nil, len(payload), time.Since(start))
		}
		return ReceiverCountUnknown, nil
	}
	if err == nil {
		err = errors.Newf("mqtt publish to %s not acknowledged within %s", channel, publishTimeout).
			Component("bus").
			Category(errors.CategoryTimeout).
			Build()
	}
	if c.metrics != nil {
		c.metrics.RecordPublish(topic, err, len(payload), time.Since(start))
	}
	return 0, err
}

// FetchSettings subscribes briefly to the retained settings topic and
// returns the retained payload, if any.
func (c *mqttClient) FetchSettings(ctx context.Context) ([]byte, error) {
	received := make(chan []byte, 1)

	token := c.internal.Subscribe(c.settingsTopic, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case received <- msg.Payload():
		default:
		}
	})
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		return nil, errors.Newf("cannot subscribe to settings topic %s", c.settingsTopic).
			Component("bus").
			Category(errors.CategoryBusSubscribe).
			Build()
	}
	defer c.internal.Unsubscribe(c.settingsTopic)

	select {
	case payload := <-received:
		return payload, nil
	case <-time.After(settingsFetchTimeout):
		return nil, errors.Newf("no retained settings on %s", c.settingsTopic).
			Component("bus").
			Category(errors.CategoryNotFound).
			Build()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected reports the broker connection state.
func (c *mqttClient) Connected() bool {
	return c.internal != nil && c.internal.IsConnected()
}

// OnReconnect registers a reconnect callback.
func (c *mqttClient) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Close disconnects from the broker.
func (c *mqttClient) Close() error {
	if c.internal != nil && c.internal.IsConnected() {
		c.internal.Disconnect(mqttDisconnectQuiesce)
	}
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(false)
	}
	return nil
}
