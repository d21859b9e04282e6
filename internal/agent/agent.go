// Package agent is the composition root for the streaming agent. It wires
// configuration, the bus client, the media stager, the encoder supervisor,
// the stream manager, the reporter and the command dispatcher, and owns the
// startup and shutdown order.
package agent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/truongvando/ezstream/internal/bus"
	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/dispatch"
	"github.com/truongvando/ezstream/internal/encoder"
	"github.com/truongvando/ezstream/internal/hoststats"
	"github.com/truongvando/ezstream/internal/logging"
	"github.com/truongvando/ezstream/internal/observability"
	"github.com/truongvando/ezstream/internal/report"
	"github.com/truongvando/ezstream/internal/stager"
	"github.com/truongvando/ezstream/internal/streams"
	"github.com/truongvando/ezstream/internal/telemetry"
)

const (
	// shutdownTimeout bounds the parallel stop of all live streams. Each
	// child gets its own graceful and force windows inside this budget.
	shutdownTimeout = 30 * time.Second

	// drainTimeout bounds the final flush of retained reports so the
	// control plane sees the STOPPED statuses produced during shutdown.
	drainTimeout = 10 * time.Second

	telemetryFlushTimeout = 3 * time.Second
)

// Agent owns every long-lived component of the process. There are no
// package-level singletons below this point; everything is reachable from
// here and torn down in Run.
type Agent struct {
	settings   *conf.Settings
	tunables   *conf.TunableStore
	metrics    *observability.Metrics
	endpoint   *observability.Endpoint
	bus        bus.Client
	stager     *stager.Stager
	supervisor *encoder.Supervisor
	collector  *hoststats.Collector
	reporter   *report.Reporter
	manager    *streams.Manager
	dispatcher *dispatch.Dispatcher

	logger   *slog.Logger
	logClose func() error
}

// New builds and wires the agent from validated settings. Nothing starts
// running until Run; New only fails on construction errors such as an
// unusable staging root or an unknown bus backend.
func New(settings *conf.Settings) (*Agent, error) {
	a := &Agent{settings: settings}

	a.initLogging()
	a.logger = logging.ForService("agent")

	a.ensureSystemID()

	if err := telemetry.InitSentry(settings); err != nil {
		a.logger.Warn("Telemetry initialization failed, continuing without it", "error", err)
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}
	a.metrics = m
	a.endpoint = observability.NewEndpoint(settings, m)

	busClient, err := bus.NewClient(settings, m.Bus)
	if err != nil {
		return nil, err
	}
	a.bus = busClient

	a.tunables = conf.NewTunableStore(&settings.Tunables)

	stg, err := stager.New(settings, a.tunables, m.Stager)
	if err != nil {
		return nil, err
	}
	a.stager = stg

	a.supervisor = encoder.NewSupervisor(settings.FfmpegPath, m.Encoder)

	// The stream manager does not exist yet when the collector and the
	// reporter are built, so the active-stream accessors go in as closures.
	activeCount := func() int {
		if a.manager == nil {
			return 0
		}
		return a.manager.ActiveCount()
	}
	activeStreams := func() []int64 {
		if a.manager == nil {
			return nil
		}
		return a.manager.ActiveIDs()
	}

	a.collector = hoststats.NewCollector(settings.Main.HostID, settings.Staging.Root, activeCount)
	a.reporter = report.New(settings, a.tunables, a.bus, a.collector, activeStreams, m.Reporter)
	a.stager.SetProgressFunc(a.reporter.Progress)

	a.manager = streams.NewManager(a.tunables, a.stager, a.supervisor, a.reporter, m.Stream)
	a.dispatcher = dispatch.New(settings, a.tunables, a.bus, a.manager, a.reporter, m.Stream)

	return a, nil
}

// Run starts every component in dependency order, blocks until ctx is
// cancelled, then shuts them down in reverse. The dispatcher subscribes
// last so no command can arrive before its dependencies are ready, and
// stops first so no command arrives into a half-torn-down agent.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.bus.Connect(ctx); err != nil {
		return err
	}

	a.applyBootSettings(ctx)
	a.collector.LogCapabilities()

	endpointQuit := make(chan struct{})
	var endpointWG sync.WaitGroup
	if a.endpoint != nil {
		a.endpoint.Start(&endpointWG, endpointQuit)
	}

	a.reporter.Start()

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		a.stager.RunSweeper(sweepCtx, a.manager.LiveSet)
	}()

	if err := a.dispatcher.Start(ctx); err != nil {
		sweepCancel()
		sweepWG.Wait()
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		a.reporter.Stop(drainCtx)
		cancel()
		close(endpointQuit)
		endpointWG.Wait()
		_ = a.bus.Close()
		return err
	}

	a.logger.Info("Agent started",
		"host_id", a.settings.Main.HostID,
		"version", a.settings.Version,
		"command_channel", a.settings.CommandChannel())

	<-ctx.Done()
	a.logger.Info("Shutdown signal received")

	a.dispatcher.Stop()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
	a.manager.Shutdown(stopCtx)
	cancelStop()

	sweepCancel()
	sweepWG.Wait()

	// The reporter stops after the stream manager so the STOPPED statuses
	// from shutdown reach the control plane.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	a.reporter.Stop(drainCtx)
	cancelDrain()

	close(endpointQuit)
	endpointWG.Wait()

	if err := a.bus.Close(); err != nil {
		a.logger.Warn("Bus close failed", "error", err)
	}

	telemetry.Flush(telemetryFlushTimeout)

	a.logger.Info("Agent stopped")
	if a.logClose != nil {
		_ = a.logClose()
	}
	return nil
}

// initLogging configures the process-wide logger: stdout always, plus a
// rotated file when the settings enable one.
func (a *Agent) initLogging() {
	var w io.Writer = os.Stdout
	if a.settings.Main.Log.Enabled && a.settings.Main.Log.Path != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   a.settings.Main.Log.Path,
			MaxSize:    a.settings.Main.Log.MaxSizeMB,
			MaxBackups: a.settings.Main.Log.MaxBackups,
			MaxAge:     a.settings.Main.Log.MaxAgeDays,
			Compress:   a.settings.Main.Log.Compress,
		}
		a.logClose = fileWriter.Close
		w = io.MultiWriter(os.Stdout, fileWriter)
	}

	logging.Init(w)
	if a.settings.Debug {
		logging.SetLevel(slog.LevelDebug)
	}
}

// ensureSystemID loads or creates the anonymous telemetry id. Failure is
// not fatal; telemetry events simply carry an empty id.
func (a *Agent) ensureSystemID() {
	if a.settings.SystemID != "" {
		return
	}
	configPaths, err := conf.GetDefaultConfigPaths()
	if err != nil {
		a.logger.Warn("Cannot resolve config directory for system id", "error", err)
		return
	}
	id, err := telemetry.LoadOrCreateSystemID(configPaths[0])
	if err != nil {
		a.logger.Warn("Cannot load or create system id", "error", err)
		return
	}
	a.settings.SystemID = id
}

// applyBootSettings overlays the control-plane settings object over the
// boot tunables. A missing object is normal on a freshly provisioned host.
func (a *Agent) applyBootSettings(ctx context.Context) {
	payload, err := a.bus.FetchSettings(ctx)
	if err != nil {
		a.logger.Info("No control-plane settings at boot, using local values", "error", err)
		return
	}
	changed, critical, err := a.tunables.Apply(payload)
	if err != nil {
		a.logger.Warn("Control-plane settings rejected, using local values", "error", err)
		return
	}
	if len(changed) > 0 {
		a.logger.Info("Applied control-plane settings at boot",
			"changes", changed, "encoder_settings_changed", critical)
	}
}
