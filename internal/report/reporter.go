// Package report owns everything the agent says to the control plane:
// stream status updates, restart requests, heartbeats and host stats. Each
// payload class has its own bounded queue and publisher goroutine so a bus
// outage never blocks the stream lifecycle.
package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/truongvando/ezstream/internal/bus"
	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/hoststats"
	"github.com/truongvando/ezstream/internal/logging"
	"github.com/truongvando/ezstream/internal/observability/metrics"
)

// publishRetryDelay paces retained-queue retries while the bus is down.
const publishRetryDelay = time.Second

// payloadClass binds a queue to its outbound channel. Probe classes keep
// publishing while the bus is degraded; retained classes hold off until the
// health tracker clears.
type payloadClass struct {
	name    string
	channel string
	queue   *reportQueue
	probe   bool
}

// Reporter queues and publishes all outbound control-plane traffic.
type Reporter struct {
	hostID        string
	bus           bus.Client
	collector     *hoststats.Collector
	tunables      *conf.TunableStore
	activeStreams func() []int64
	metrics       *metrics.ReporterMetrics
	logger        *slog.Logger

	status    *payloadClass
	restart   *payloadClass
	heartbeat *payloadClass
	stats     *payloadClass
	classes   []*payloadClass

	health     *busHealth
	reAnnounce atomic.Bool
	nudge      chan struct{}

	limiterMu        sync.Mutex
	progressLimiters map[int64]*rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires a Reporter. activeStreams feeds the heartbeat with the ids of
// the streams currently active and must be safe to call from any
// goroutine; collector may be nil in tests.
func New(settings *conf.Settings, tunables *conf.TunableStore, busClient bus.Client, collector *hoststats.Collector, activeStreams func() []int64, m *metrics.ReporterMetrics) *Reporter {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		hostID:           settings.Main.HostID,
		bus:              busClient,
		collector:        collector,
		tunables:         tunables,
		activeStreams:    activeStreams,
		metrics:          m,
		logger:           logging.ForService("report"),
		nudge:            make(chan struct{}, 1),
		progressLimiters: make(map[int64]*rate.Limiter),
		ctx:              ctx,
		cancel:           cancel,
	}

	r.status = &payloadClass{name: "status", channel: bus.ChannelReports, queue: newRetainAllQueue()}
	r.restart = &payloadClass{name: "restart", channel: bus.ChannelReports, queue: newRetainAllQueue()}
	r.heartbeat = &payloadClass{name: "heartbeat", channel: bus.ChannelReports, queue: newDropOldestQueue(), probe: true}
	r.stats = &payloadClass{name: "stats", channel: bus.ChannelStats, queue: newDropOldestQueue(), probe: true}
	r.classes = []*payloadClass{r.status, r.restart, r.heartbeat, r.stats}

	r.health = newBusHealth(func() {
		r.reAnnounce.Store(true)
		if r.metrics != nil {
			r.metrics.RecordBacklogFlush()
		}
		r.logger.Info("Bus recovered, flushing retained report backlog",
			"status_backlog", r.status.queue.depth(),
			"restart_backlog", r.restart.queue.depth())
	})

	return r
}

// Start launches the publisher and cadence goroutines and hooks the bus
// reconnect signal.
func (r *Reporter) Start() {
	r.bus.OnReconnect(func() {
		r.reAnnounce.Store(true)
	})

	for _, class := range r.classes {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.publisherLoop(class)
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.heartbeatLoop()
	}()

	if r.collector != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.statsLoop()
		}()
	}

	r.logger.Info("Reporter started", "host_id", r.hostID)
}

// Stop ends the loops and drains the retained queues directly, bounded by
// the context. Heartbeats and stats are stale by definition and are not
// drained.
func (r *Reporter) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()

		for _, class := range []*payloadClass{r.status, r.restart} {
			class.queue.close()
			for {
				payload, ok := class.queue.pop(ctx)
				if !ok {
					break
				}
				if ctx.Err() != nil {
					r.logger.Warn("Shutdown drain cut short",
						"class", class.name, "remaining", class.queue.depth()+1)
					return
				}
				if _, err := r.bus.Publish(ctx, class.channel, payload); err != nil {
					r.logger.Warn("Shutdown drain publish failed",
						"class", class.name, "error", err)
					return
				}
			}
		}
		r.logger.Info("Reporter stopped")
	})
}

// StreamStatus queues a STATUS_UPDATE. PROGRESS statuses are throttled per
// stream; terminal statuses release the stream's throttle state.
func (r *Reporter) StreamStatus(streamID int64, status, message string, extra map[string]any) {
	if status == StatusProgress && !r.allowProgress(streamID) {
		if r.metrics != nil {
			r.metrics.RecordDropped(r.status.name)
		}
		return
	}
	if status == "STOPPED" || status == "ERROR" {
		r.dropProgressLimiter(streamID)
	}

	r.enqueue(r.status, StatusUpdate{
		Type:      TypeStatusUpdate,
		StreamID:  streamID,
		VpsID:     r.hostID,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().Unix(),
		ExtraData: extra,
	})
}

// RestartRequest queues a RESTART_REQUEST.
func (r *Reporter) RestartRequest(streamID int64, reason string, crashCount int, lastError, errorType string) {
	r.enqueue(r.restart, RestartRequest{
		Type:       TypeRestartRequest,
		StreamID:   streamID,
		VpsID:      r.hostID,
		Reason:     reason,
		CrashCount: crashCount,
		LastError:  lastError,
		ErrorType:  errorType,
		Timestamp:  time.Now().Unix(),
	})
}

// Progress adapts staging progress into a throttled PROGRESS status. The
// signature matches the stager's callback.
func (r *Reporter) Progress(streamID int64, percent, downloadedMB, totalMB float64) {
	r.StreamStatus(streamID, StatusProgress, "Downloading media", map[string]any{
		"progress_percentage": percent,
		"downloaded_mb":       downloadedMB,
		"total_mb":            totalMB,
	})
}

// NudgeHeartbeat requests an immediate heartbeat outside the regular
// cadence, used after stream removals so the control plane converges fast.
func (r *Reporter) NudgeHeartbeat() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// enqueue marshals and queues one payload, maintaining the class metrics.
func (r *Reporter) enqueue(class *payloadClass, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("Failed to marshal report", "class", class.name, "error", err)
		return
	}

	dropped := class.queue.push(data)
	if r.metrics != nil {
		r.metrics.RecordEnqueued(class.name)
		if dropped {
			r.metrics.RecordDropped(class.name)
		}
		r.metrics.SetQueueDepth(class.name, class.queue.depth())
	}
	if dropped && !class.queue.dropOldest {
		// Losing a status or restart report means the control plane's view
		// of this host is now wrong until it resyncs.
		r.logger.Error("Report queue overflow, discarding report",
			"class", class.name, "capacity", class.queue.capacity)
	}
}

// publisherLoop drains one class queue. Retained classes pause while the
// bus is degraded and retry the same payload until it goes through.
func (r *Reporter) publisherLoop(class *payloadClass) {
	for {
		if !class.probe {
			r.health.waitHealthy(r.ctx)
		}

		payload, ok := class.queue.pop(r.ctx)
		if !ok {
			return
		}

		_, err := r.bus.Publish(r.ctx, class.channel, payload)
		if err != nil {
			r.health.failure()
			if r.metrics != nil {
				r.metrics.RecordPublishFailure(class.name)
			}
			r.logger.Warn("Publish failed", "class", class.name, "error", err)

			if !class.probe {
				class.queue.requeue(payload)
				select {
				case <-time.After(publishRetryDelay):
				case <-r.ctx.Done():
					return
				}
			}
			continue
		}

		r.health.success()
		if r.metrics != nil {
			r.metrics.RecordPublished(class.name)
			r.metrics.SetQueueDepth(class.name, class.queue.depth())
		}
	}
}

// heartbeatLoop emits a heartbeat on the configured cadence and on nudges.
func (r *Reporter) heartbeatLoop() {
	interval := r.tunables.Snapshot().HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.enqueueHeartbeat()
	for {
		select {
		case <-ticker.C:
		case <-r.nudge:
		case <-r.ctx.Done():
			return
		}
		r.enqueueHeartbeat()

		if next := r.tunables.Snapshot().HeartbeatInterval; next > 0 && next != interval {
			interval = next
			ticker.Reset(next)
		}
	}
}

func (r *Reporter) enqueueHeartbeat() {
	ids := r.activeStreams()
	if ids == nil {
		// The control plane expects a list, never null.
		ids = []int64{}
	}
	slices.Sort(ids)

	r.enqueue(r.heartbeat, Heartbeat{
		Type:          TypeHeartbeat,
		VpsID:         r.hostID,
		ActiveStreams: ids,
		Timestamp:     time.Now().Unix(),
		ReAnnounce:    r.reAnnounce.Swap(false),
	})
}

// statsLoop samples host stats on the configured cadence and publishes them
// on the stats channel.
func (r *Reporter) statsLoop() {
	interval := r.tunables.Snapshot().StatsReportInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.ctx.Done():
			return
		}

		snap, err := r.collector.Snapshot(r.ctx)
		if err != nil {
			r.logger.Warn("Host stats sample failed", "error", err)
			continue
		}
		r.enqueue(r.stats, snap)

		if next := r.tunables.Snapshot().StatsReportInterval; next > 0 && next != interval {
			interval = next
			ticker.Reset(next)
		}
	}
}

// allowProgress rate-limits PROGRESS per stream.
func (r *Reporter) allowProgress(streamID int64) bool {
	interval := r.tunables.Snapshot().ProgressThrottleInterval
	if interval <= 0 {
		return true
	}

	r.limiterMu.Lock()
	lim, ok := r.progressLimiters[streamID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(interval), 1)
		r.progressLimiters[streamID] = lim
	}
	r.limiterMu.Unlock()

	return lim.Allow()
}

func (r *Reporter) dropProgressLimiter(streamID int64) {
	r.limiterMu.Lock()
	delete(r.progressLimiters, streamID)
	r.limiterMu.Unlock()
}
