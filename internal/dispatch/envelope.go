// envelope.go: parsing of control-plane command messages. The envelope is
// loose JSON; jason lets us pick fields without fixing the whole shape.
package dispatch

import (
	"strings"

	"github.com/antonholmquist/jason"

	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/encoder"
	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/stager"
	"github.com/truongvando/ezstream/internal/streams"
)

// Command names accepted from the control plane.
const (
	CmdStartStream     = "START_STREAM"
	CmdStopStream      = "STOP_STREAM"
	CmdUpdateStream    = "UPDATE_STREAM"
	CmdForceKillStream = "FORCE_KILL_STREAM"
	CmdSyncState       = "SYNC_STATE"
	CmdCleanupFiles    = "CLEANUP_FILES"
	CmdRefreshSettings = "REFRESH_SETTINGS"
	CmdUpdateAgent     = "UPDATE_AGENT"
)

// Command is one parsed envelope. Config and Root stay as jason objects so
// handlers can pull the fields they care about and ignore the rest.
type Command struct {
	Name     string
	StreamID int64
	Config   *jason.Object // nil when the envelope has no config object
	Root     *jason.Object
}

// parseEnvelope extracts the command tag and stream id. The id inside the
// config object wins over a root-level stream_id.
func parseEnvelope(payload []byte) (*Command, error) {
	root, err := jason.NewObjectFromBytes(payload)
	if err != nil {
		return nil, errors.New(err).
			Component("dispatch").
			Category(errors.CategoryCommand).
			Context("operation", "parse-envelope").
			Build()
	}

	name, err := root.GetString("command")
	if err != nil || name == "" {
		return nil, errors.NewStd("command message has no command field")
	}

	cmd := &Command{Name: name, Root: root}
	if config, err := root.GetObject("config"); err == nil {
		cmd.Config = config
		if id, err := config.GetInt64("id"); err == nil && id > 0 {
			cmd.StreamID = id
		}
	}
	if cmd.StreamID == 0 {
		if id, err := root.GetInt64("stream_id"); err == nil {
			cmd.StreamID = id
		}
	}
	return cmd, nil
}

// streamSpec builds a stream spec from the command's config object. The
// tunables supply the encoder mode unless the config overrides it.
func (c *Command) streamSpec(tun *conf.Tunables) (streams.StreamSpec, error) {
	spec := streams.StreamSpec{ID: c.StreamID, Loop: true}
	if c.Config == nil {
		return spec, errors.Newf("%s command has no config object", c.Name).
			Component("dispatch").
			Category(errors.CategoryValidation).
			Build()
	}

	if title, err := c.Config.GetString("title"); err == nil {
		spec.Title = title
	}
	if rtmpURL, err := c.Config.GetString("rtmp_url"); err == nil {
		spec.Destination = rtmpURL
	}
	// A separate stream_key joins onto the rtmp_url; some envelopes carry
	// the key already embedded in the url instead.
	if key, err := c.Config.GetString("stream_key"); err == nil && key != "" {
		spec.Destination = strings.TrimRight(spec.Destination, "/") + "/" + key
	}
	if loop, err := c.Config.GetBoolean("loop"); err == nil {
		spec.Loop = loop
	}
	if keep, err := c.Config.GetBoolean("keep_files_after_stop"); err == nil {
		spec.KeepFilesAfterStop = keep
	}

	// The control plane has used both names for this field.
	if order, err := c.Config.GetString("playlist_order"); err == nil {
		spec.PlaybackOrder = order
	} else if order, err := c.Config.GetString("playback_order"); err == nil {
		spec.PlaybackOrder = order
	}

	// The mode comes from the host tunable, then encoder_mode, then the
	// legacy boolean, newest to oldest.
	spec.Mode = encoder.ParseMode(tun.Encoder.Mode)
	if mode, err := c.Config.GetString("encoder_mode"); err == nil && mode != "" {
		spec.Mode = encoder.ParseMode(mode)
	}
	if reencode, err := c.Config.GetBoolean("ffmpeg_use_encoding"); err == nil {
		if reencode {
			spec.Mode = encoder.ModeReencode
		} else {
			spec.Mode = encoder.ModeCopy
		}
	}

	if preset, err := c.Config.GetString("preset"); err == nil {
		spec.Encoder.Preset = preset
	}
	if crf, err := c.Config.GetInt64("crf"); err == nil && crf > 0 {
		spec.Encoder.CRF = int(crf)
	}
	if maxrate, err := c.Config.GetString("maxrate"); err == nil {
		spec.Encoder.Maxrate = maxrate
	}
	if abr, err := c.Config.GetString("abr"); err == nil {
		spec.Encoder.AudioBitrate = abr
	}
	if gop, err := c.Config.GetInt64("gop"); err == nil && gop > 0 {
		spec.Encoder.GOP = int(gop)
	}

	files, err := c.Config.GetObjectArray("video_files")
	if err != nil {
		return spec, errors.Newf("stream %d config has no video_files", c.StreamID).
			Component("dispatch").
			Category(errors.CategoryValidation).
			StreamContext(c.StreamID).
			Build()
	}
	for _, f := range files {
		var ref stager.SourceRef
		if u, err := f.GetString("url"); err == nil && u != "" {
			ref.URL = u
		} else if p, err := f.GetString("path"); err == nil && p != "" {
			ref.Path = p
		}
		spec.Sources = append(spec.Sources, ref)
	}

	return spec, nil
}
