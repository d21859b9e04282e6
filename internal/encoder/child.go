// child.go: the encoder child-process supervisor. One Child owns one
// ffmpeg run: its process group, its stdin, its stderr reader and its exit
// event. Restart decisions belong to the stream manager; the Child only
// observes, stops and classifies.
package encoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/logging"
	"github.com/truongvando/ezstream/internal/observability/metrics"
	"github.com/truongvando/ezstream/internal/privacy"
)

const (
	// stderrTailSize bounds the retained stderr tail per run.
	stderrTailSize = 1000

	// quitKeypressWait is how long a polite 'q' on stdin gets before the
	// stop sequence escalates to signals.
	quitKeypressWait = 3 * time.Second

	// detectionBuffer bounds the detection event channel. Overflow drops
	// events; the counters still hold the truth for classification.
	detectionBuffer = 8

	// stderrReadBuffer is the scanner buffer; ffmpeg error lines with long
	// URLs can exceed the bufio default.
	stderrReadBuffer = 256 * 1024
)

// Supervisor spawns and stops encoder children. One instance serves all
// streams.
type Supervisor struct {
	ffmpegPath string
	metrics    *metrics.EncoderMetrics
	logger     *slog.Logger
}

// NewSupervisor creates a Supervisor using the given encoder binary path
// ("ffmpeg" when empty).
func NewSupervisor(ffmpegPath string, m *metrics.EncoderMetrics) *Supervisor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Supervisor{
		ffmpegPath: ffmpegPath,
		metrics:    m,
		logger:     logging.ForService("encoder"),
	}
}

// Child is one running (or just-exited) encoder process.
type Child struct {
	streamID    int64
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	commandLine string // destination redacted, for debugging only
	spawnTime   time.Time

	counters *errorCounters
	health   *healthScore
	intent   atomic.Int32

	detections chan Detection
	exited     chan ExitEvent
	waitDone   chan struct{}

	stopMu sync.Mutex

	logger  *slog.Logger
	metrics *metrics.EncoderMetrics
}

// Spawn starts an encoder child for the request. The returned Child is
// already running; its exit event will arrive on Exited() exactly once.
func (s *Supervisor) Spawn(ctx context.Context, req *SpawnRequest) (*Child, error) {
	args := BuildArgs(req)

	cmd := exec.Command(s.ffmpegPath, args...)
	setupProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, spawnError(err, req.StreamID, "stdin-pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, spawnError(err, req.StreamID, "stderr-pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, spawnError(err, req.StreamID, "start")
	}

	child := &Child{
		streamID:    req.StreamID,
		cmd:         cmd,
		stdin:       stdin,
		commandLine: redactedCommandLine(s.ffmpegPath, args, req.Destination),
		spawnTime:   time.Now(),
		counters:    newErrorCounters(stderrTailSize),
		health:      newHealthScore(),
		detections:  make(chan Detection, detectionBuffer),
		exited:      make(chan ExitEvent, 1),
		waitDone:    make(chan struct{}),
		logger:      s.logger.With("stream_id", req.StreamID, "pid", cmd.Process.Pid),
		metrics:     s.metrics,
	}

	if s.metrics != nil {
		s.metrics.RecordSpawn(string(req.Mode))
	}
	child.logger.Info("Encoder spawned",
		"mode", string(req.Mode),
		"input", req.InputPath,
		"loop", req.Loop,
		"destination", privacy.SanitizeRTMPUrl(req.Destination))

	readerDone := make(chan struct{})
	go child.readStderr(stderr, readerDone)
	go child.waitLoop(readerDone)

	return child, nil
}

// spawnError wraps a spawn failure.
func spawnError(err error, streamID int64, step string) error {
	return errors.New(err).
		Component("encoder").
		Category(errors.CategoryEncoderSpawn).
		StreamContext(streamID).
		Context("step", step).
		Build()
}

// redactedCommandLine renders the argv with the destination masked.
func redactedCommandLine(binary string, args []string, destination string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, binary)
	for _, a := range args {
		if a == destination {
			a = privacy.SanitizeRTMPUrl(destination)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// PID returns the child's process id.
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// CommandLine returns the redacted command line for debugging.
func (c *Child) CommandLine() string { return c.commandLine }

// SpawnTime returns when the child was started.
func (c *Child) SpawnTime() time.Time { return c.spawnTime }

// Runtime returns how long the child has been (or was) alive.
func (c *Child) Runtime() time.Duration { return time.Since(c.spawnTime) }

// HealthScore returns the current health score in [0.1, 1.0].
func (c *Child) HealthScore() float64 { return c.health.current(time.Now()) }

// ErrorCounts returns a snapshot of the per-kind stderr counters.
func (c *Child) ErrorCounts() map[ErrorKind]int { return c.counters.snapshot() }

// StderrTail returns the retained stderr tail, oldest first.
func (c *Child) StderrTail() []string { return c.counters.tailLines() }

// Exited delivers the one-shot exit event once the child is reaped.
func (c *Child) Exited() <-chan ExitEvent { return c.exited }

// Detections delivers threshold-crossing stderr detections, at most once
// per kind per run.
func (c *Child) Detections() <-chan Detection { return c.detections }

// SetIntent records why this child is being stopped. Must be called before
// the first signal so the classifier never mistakes the stop for a crash.
func (c *Child) SetIntent(intent Intent) {
	c.intent.Store(int32(intent))
}

// Intent returns the recorded stop intent.
func (c *Child) Intent() Intent {
	return Intent(c.intent.Load())
}

// Alive reports whether the child has not been reaped yet.
func (c *Child) Alive() bool {
	select {
	case <-c.waitDone:
		return false
	default:
		return true
	}
}

// readStderr consumes the child's stderr line by line, feeding the error
// counters and forwarding threshold crossings as detections.
func (c *Child) readStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), stderrReadBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		kind, crossed := c.counters.observe(line)
		if kind != KindUnknown {
			c.logger.Warn("Encoder stderr match",
				"kind", string(kind),
				"count", c.counters.count(kind),
				"line", privacy.ScrubMessage(line))
			if c.metrics != nil {
				c.metrics.RecordStderrMatch(string(kind))
			}
		}
		if !crossed {
			continue
		}

		c.health.onError(time.Now())
		det := Detection{
			StreamID: c.streamID,
			Kind:     kind,
			Count:    c.counters.count(kind),
			Line:     privacy.ScrubMessage(line),
		}
		select {
		case c.detections <- det:
		default:
			// Channel full; classification still sees the counters.
		}
	}
}

// waitLoop reaps the child and publishes the exit event.
func (c *Child) waitLoop(readerDone <-chan struct{}) {
	// Drain stderr before Wait closes the pipes under the reader.
	<-readerDone
	err := c.cmd.Wait()

	code, sig := exitStatus(c.cmd)
	class, kind := Classify(code, sig, c.Intent(), c.counters)

	event := ExitEvent{
		StreamID:   c.streamID,
		Code:       code,
		Signal:     sig,
		Class:      class,
		Kind:       kind,
		StderrTail: c.counters.tailLines(),
		Runtime:    time.Since(c.spawnTime),
	}

	logAttrs := []any{
		"class", class.String(),
		"code", code,
		"runtime", event.Runtime.String(),
	}
	if sig != 0 {
		logAttrs = append(logAttrs, "signal", sig.String())
	}
	if kind != KindUnknown {
		logAttrs = append(logAttrs, "error_kind", string(kind))
	}
	if err != nil && class == ClassNormalExit {
		logAttrs = append(logAttrs, "wait_error", err.Error())
	}
	c.logger.Info("Encoder exited", logAttrs...)

	if c.metrics != nil {
		c.metrics.RecordExit(class.String())
	}

	close(c.waitDone)
	c.exited <- event
	close(c.detections)
}

// StopTimeouts configures the stop escalation ladder. Zero values skip the
// corresponding rung.
type StopTimeouts struct {
	QuitWait     time.Duration // polite 'q' keypress
	GracefulWait time.Duration // SIGINT to the group
	ForceWait    time.Duration // SIGKILL to the group
}

// DefaultStopTimeouts builds the standard ladder from the tunable graceful
// and force windows.
func DefaultStopTimeouts(graceful, force time.Duration) StopTimeouts {
	return StopTimeouts{QuitWait: quitKeypressWait, GracefulWait: graceful, ForceWait: force}
}

// ForceKillTimeouts is the ladder for FORCE_KILL: straight to SIGKILL.
func ForceKillTimeouts(force time.Duration) StopTimeouts {
	return StopTimeouts{ForceWait: force}
}

// Stop runs the graceful-to-force stop sequence. The stop intent must be
// recorded first; Stop refuses to run without one so a stop can never be
// misclassified as a crash.
func (c *Child) Stop(ctx context.Context, timeouts StopTimeouts) error {
	if c.Intent() == IntentNone {
		return errors.NewStd("stop called without a recorded intent")
	}

	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	if !c.Alive() {
		return nil
	}

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveStopLatency(time.Since(start).Seconds())
		}
	}()

	// Rung 1: ask nicely. ffmpeg treats 'q' as a clean quit request and
	// flushes its muxer before exiting.
	if timeouts.QuitWait > 0 {
		if _, err := io.WriteString(c.stdin, "q\n"); err == nil {
			if c.waitExit(ctx, timeouts.QuitWait) {
				c.logger.Info("Encoder stopped on quit keypress", "intent", c.Intent().String())
				return nil
			}
		}
	}

	// Rung 2: SIGINT to the process group.
	if timeouts.GracefulWait > 0 {
		if err := signalProcessGroup(c.cmd, syscall.SIGINT); err != nil {
			c.logger.Warn("SIGINT to process group failed", "error", err)
		}
		if c.waitExit(ctx, timeouts.GracefulWait) {
			c.logger.Info("Encoder stopped on SIGINT", "intent", c.Intent().String())
			return nil
		}
	}

	// Rung 3: SIGKILL to the process group.
	if err := signalProcessGroup(c.cmd, syscall.SIGKILL); err != nil {
		c.logger.Warn("SIGKILL to process group failed", "error", err)
	}
	forceWait := timeouts.ForceWait
	if forceWait <= 0 {
		forceWait = 10 * time.Second
	}
	if c.waitExit(ctx, forceWait) {
		c.logger.Info("Encoder stopped on SIGKILL", "intent", c.Intent().String())
		return nil
	}

	return errors.Newf("encoder pid %d survived SIGKILL", c.PID()).
		Component("encoder").
		Category(errors.CategoryEncoderStop).
		StreamContext(c.streamID).
		Build()
}

// Terminate is the abbreviated kill used between fast restarts: SIGTERM
// with a short grace, then SIGKILL.
func (c *Child) Terminate(ctx context.Context, grace time.Duration) error {
	if c.Intent() == IntentNone {
		return errors.NewStd("terminate called without a recorded intent")
	}

	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	if !c.Alive() {
		return nil
	}

	if err := signalProcessGroup(c.cmd, syscall.SIGTERM); err != nil {
		c.logger.Warn("SIGTERM to process group failed", "error", err)
	}
	if c.waitExit(ctx, grace) {
		return nil
	}

	if err := signalProcessGroup(c.cmd, syscall.SIGKILL); err != nil {
		c.logger.Warn("SIGKILL to process group failed", "error", err)
	}
	if c.waitExit(ctx, 5*time.Second) {
		return nil
	}
	return fmt.Errorf("encoder pid %d survived terminate", c.PID())
}

// waitExit waits for the child to be reaped, bounded by d and ctx.
func (c *Child) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.waitDone:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
