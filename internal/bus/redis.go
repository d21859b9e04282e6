// redis.go: Redis pub/sub backend for the control-plane bus.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/observability/metrics"
)

// redisClient implements Client over Redis pub/sub. Each subscription runs
// its own receive loop so that reconnects are explicit: on a receive error
// the loop backs off, resubscribes and fires the reconnect callbacks.
type redisClient struct {
	rdb         *redis.Client
	settingsKey string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected atomic.Bool

	mu          sync.Mutex
	onReconnect []func()

	metrics *metrics.BusMetrics
}

// NewRedisClient creates a Redis-backed bus client from settings. The
// connection is not established until Connect is called.
func NewRedisClient(settings *conf.Settings, m *metrics.BusMetrics) Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &redisClient{
		rdb: redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", settings.Bus.Host, settings.Bus.Port),
			Password: settings.Bus.Password,
			DB:       settings.Bus.DB,
		}),
		settingsKey: settings.SettingsKey(),
		ctx:         ctx,
		cancel:      cancel,
		metrics:     m,
	}
}

// Connect verifies the server is reachable.
func (c *redisClient) Connect(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.connected.Store(false)
		if c.metrics != nil {
			c.metrics.UpdateConnectionStatus(false)
		}
		return errors.New(err).
			Component("bus").
			Category(errors.CategoryBusConnection).
			Context("backend", "redis").
			Build()
	}
	c.connected.Store(true)
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(true)
	}
	busLogger.Info("Connected to Redis bus")
	return nil
}

// Subscribe starts the receive loop for a channel. The loop lives until the
// client is closed or ctx is cancelled; lost connections are re-established
// with exponential backoff.
func (c *redisClient) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	sub := c.rdb.Subscribe(ctx, channel)
	// Confirm the subscription before declaring success, so the startup
	// ordering guarantee (commands only after everything is live) holds.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return errors.New(err).
			Component("bus").
			Category(errors.CategoryBusSubscribe).
			Context("channel", channel).
			Build()
	}

	c.wg.Add(1)
	go c.receiveLoop(channel, sub, handler)
	return nil
}

// receiveLoop consumes messages for one channel and owns its reconnects.
func (c *redisClient) receiveLoop(channel string, sub *redis.PubSub, handler func(payload []byte)) {
	defer c.wg.Done()

	backoff := reconnectBackoffBase
	for {
		msg, err := sub.ReceiveMessage(c.ctx)
		if err != nil {
			_ = sub.Close()
			if c.ctx.Err() != nil {
				return
			}

			c.connected.Store(false)
			if c.metrics != nil {
				c.metrics.UpdateConnectionStatus(false)
			}
			busLogger.Warn("Bus receive failed, reconnecting",
				"channel", channel,
				"backoff", backoff.String(),
				"error", err)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if c.metrics != nil {
				c.metrics.IncrementReconnectAttempts()
			}
			backoff = nextBackoff(backoff)

			sub = c.rdb.Subscribe(c.ctx, channel)
			if _, err := sub.Receive(c.ctx); err != nil {
				// Not back yet; the next ReceiveMessage fails fast and
				// we land here again with a longer backoff.
				continue
			}

			c.connected.Store(true)
			if c.metrics != nil {
				c.metrics.UpdateConnectionStatus(true)
			}
			busLogger.Info("Bus subscription re-established", "channel", channel)
			c.fireReconnect()
			backoff = reconnectBackoffBase
			continue
		}

		if c.metrics != nil {
			c.metrics.IncrementMessagesReceived(channel)
		}
		handler([]byte(msg.Payload))
	}
}

// Publish sends a payload with a bounded timeout and returns the Redis
// receiver count.
func (c *redisClient) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	start := time.Now()
	receivers, err := c.rdb.Publish(ctx, channel, payload).Result()
	if c.metrics != nil {
		c.metrics.RecordPublish(channel, err, len(payload), time.Since(start))
	}
	if err != nil {
		return 0, errors.New(err).
			Component("bus").
			Category(errors.CategoryBusPublish).
			Context("channel", channel).
			Build()
	}
	return int(receivers), nil
}

// FetchSettings reads the control-plane settings object for this host.
func (c *redisClient) FetchSettings(ctx context.Context) ([]byte, error) {
	val, err := c.rdb.Get(ctx, c.settingsKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Newf("no settings stored under %s", c.settingsKey).
				Component("bus").
				Category(errors.CategoryNotFound).
				Build()
		}
		return nil, errors.New(err).
			Component("bus").
			Category(errors.CategoryBusConnection).
			Context("key", c.settingsKey).
			Build()
	}
	return val, nil
}

// Connected reports the current connection state.
func (c *redisClient) Connected() bool {
	return c.connected.Load()
}

// OnReconnect registers a reconnect callback.
func (c *redisClient) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// fireReconnect invokes the registered callbacks.
func (c *redisClient) fireReconnect() {
	c.mu.Lock()
	callbacks := make([]func(), len(c.onReconnect))
	copy(callbacks, c.onReconnect)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Close stops all receive loops and closes the connection.
func (c *redisClient) Close() error {
	c.cancel()
	c.wg.Wait()
	c.connected.Store(false)
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(false)
	}
	return c.rdb.Close()
}
