// Package dispatch consumes the host's command channel and fans commands
// out to a bounded worker pool. Per-stream ordering is the stream manager's
// job; the pool only bounds concurrency.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/truongvando/ezstream/internal/bus"
	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/logging"
	"github.com/truongvando/ezstream/internal/observability/metrics"
	"github.com/truongvando/ezstream/internal/streams"
)

const (
	// commandTimeout bounds one command execution. Stops can legitimately
	// take the whole graceful plus force window.
	commandTimeout = 2 * time.Minute

	// jobBuffer absorbs command bursts between the subscription handler and
	// the workers. Overflow drops the command with an error log.
	jobBuffer = 64
)

// StreamController is the slice of the stream manager the dispatcher drives.
type StreamController interface {
	StartAsync(spec streams.StreamSpec) error
	Stop(ctx context.Context, id int64) error
	ForceKill(ctx context.Context, id int64) error
	Update(ctx context.Context, id int64, spec streams.StreamSpec) error
	CleanupFiles(ctx context.Context, id int64, force bool) error
	ActiveIDs() []int64
}

// Notifier is the reporter surface the dispatcher needs.
type Notifier interface {
	NudgeHeartbeat()
}

// Dispatcher subscribes to the command channel and executes commands on a
// worker pool.
type Dispatcher struct {
	settings *conf.Settings
	tunables *conf.TunableStore
	bus      bus.Client
	manager  StreamController
	notifier Notifier
	metrics  *metrics.StreamMetrics
	logger   *slog.Logger

	jobs   chan *Command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New wires a Dispatcher.
func New(settings *conf.Settings, tunables *conf.TunableStore, busClient bus.Client, manager StreamController, notifier Notifier, m *metrics.StreamMetrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		settings: settings,
		tunables: tunables,
		bus:      busClient,
		manager:  manager,
		notifier: notifier,
		metrics:  m,
		logger:   logging.ForService("dispatch"),
		jobs:     make(chan *Command, jobBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker pool and subscribes to the command channel.
// Called last during startup so every dependency is ready before the first
// command can arrive.
func (d *Dispatcher) Start(ctx context.Context) error {
	workers := d.tunables.Snapshot().CommandWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.workerLoop()
		}()
	}

	channel := d.settings.CommandChannel()
	if err := d.bus.Subscribe(ctx, channel, d.onMessage); err != nil {
		d.cancel()
		return err
	}
	d.logger.Info("Command dispatcher started", "channel", channel, "workers", workers)
	return nil
}

// Stop ends command intake and waits for in-flight commands.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.logger.Info("Command dispatcher stopped")
	})
}

// onMessage runs on the bus subscription goroutine and must not block:
// parse, enqueue, return.
func (d *Dispatcher) onMessage(payload []byte) {
	cmd, err := parseEnvelope(payload)
	if err != nil {
		d.logger.Warn("Dropping unparseable command message", "error", err)
		return
	}

	select {
	case d.jobs <- cmd:
	case <-d.ctx.Done():
	default:
		d.logger.Error("Command queue full, dropping command",
			"command", cmd.Name, "stream_id", cmd.StreamID)
		if d.metrics != nil {
			d.metrics.RecordCommand(cmd.Name, errors.NewStd("command queue full"))
		}
	}
}

// workerLoop executes queued commands until the dispatcher stops.
func (d *Dispatcher) workerLoop() {
	for {
		select {
		case cmd := <-d.jobs:
			d.execute(cmd)
		case <-d.ctx.Done():
			return
		}
	}
}

// execute runs one command with timing and a bounded context.
func (d *Dispatcher) execute(cmd *Command) {
	ctx, cancel := context.WithTimeout(d.ctx, commandTimeout)
	defer cancel()

	start := time.Now()
	err := d.handle(ctx, cmd)
	duration := time.Since(start)

	if d.metrics != nil {
		d.metrics.RecordCommand(cmd.Name, err)
	}
	if err != nil {
		d.logger.Error("Command failed",
			"command", cmd.Name,
			"stream_id", cmd.StreamID,
			"duration", duration.String(),
			"error", err)
		return
	}
	d.logger.Info("Command completed",
		"command", cmd.Name,
		"stream_id", cmd.StreamID,
		"duration", duration.String())
}
