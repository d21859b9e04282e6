// handlers.go: one function per control-plane command.
package dispatch

import (
	"context"

	"github.com/truongvando/ezstream/internal/errors"
)

// handle routes a command to its handler. Unknown commands are logged and
// dropped without an error so a newer control plane never crash-loops an
// older agent.
func (d *Dispatcher) handle(ctx context.Context, cmd *Command) error {
	switch cmd.Name {
	case CmdStartStream:
		return d.handleStart(cmd)
	case CmdStopStream:
		return d.manager.Stop(ctx, cmd.StreamID)
	case CmdUpdateStream:
		return d.handleUpdate(ctx, cmd)
	case CmdForceKillStream:
		return d.manager.ForceKill(ctx, cmd.StreamID)
	case CmdSyncState:
		return d.handleSyncState()
	case CmdCleanupFiles:
		return d.handleCleanup(ctx, cmd)
	case CmdRefreshSettings:
		return d.handleRefreshSettings(ctx)
	case CmdUpdateAgent:
		return d.handleUpdateAgent(cmd)
	default:
		d.logger.Warn("Unknown command, dropping", "command", cmd.Name)
		return nil
	}
}

func (d *Dispatcher) handleStart(cmd *Command) error {
	spec, err := cmd.streamSpec(d.tunables.Snapshot())
	if err != nil {
		return err
	}
	return d.manager.StartAsync(spec)
}

func (d *Dispatcher) handleUpdate(ctx context.Context, cmd *Command) error {
	if cmd.StreamID <= 0 {
		return errors.NewStd("UPDATE_STREAM command missing stream_id")
	}
	spec, err := cmd.streamSpec(d.tunables.Snapshot())
	if err != nil {
		return err
	}
	spec.ID = cmd.StreamID
	return d.manager.Update(ctx, cmd.StreamID, spec)
}

// handleSyncState answers with an immediate heartbeat so the control plane
// converges on this host's real state.
func (d *Dispatcher) handleSyncState() error {
	d.logger.Info("State sync requested", "active_streams", len(d.manager.ActiveIDs()))
	d.notifier.NudgeHeartbeat()
	return nil
}

func (d *Dispatcher) handleCleanup(ctx context.Context, cmd *Command) error {
	force := false
	if f, err := cmd.Root.GetBoolean("force"); err == nil {
		force = f
	}
	return d.manager.CleanupFiles(ctx, cmd.StreamID, force)
}

// handleRefreshSettings pulls the settings object from the bus and applies
// it to the tunable store. Encoder-critical changes only take effect when a
// stream restarts; the handler says so per running stream.
func (d *Dispatcher) handleRefreshSettings(ctx context.Context) error {
	payload, err := d.bus.FetchSettings(ctx)
	if err != nil {
		return err
	}

	changed, critical, err := d.tunables.Apply(payload)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		d.logger.Info("Settings refreshed, nothing changed")
		return nil
	}

	d.logger.Info("Settings refreshed", "changes", changed)
	if critical {
		for _, id := range d.manager.ActiveIDs() {
			d.logger.Warn("Encoder settings changed, restart to apply",
				"stream_id", id)
		}
	}
	return nil
}

// handleUpdateAgent acknowledges the command. Binary self-update is handled
// by the deployment tooling, not the agent process.
func (d *Dispatcher) handleUpdateAgent(cmd *Command) error {
	version := "latest"
	if v, err := cmd.Root.GetString("version"); err == nil && v != "" {
		version = v
	}
	d.logger.Info("Agent update requested, deferring to deployment tooling",
		"version", version)
	return nil
}
