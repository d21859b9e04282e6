package streams

import (
	"strings"

	"github.com/truongvando/ezstream/internal/encoder"
	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/stager"
)

// StreamSpec is everything needed to run one stream: what to play, where to
// push it, and how.
type StreamSpec struct {
	ID                 int64
	Title              string
	Sources            []stager.SourceRef
	Destination        string // full RTMP URL including the stream key
	Loop               bool
	PlaybackOrder      string // "sequential"; "random" is accepted but played sequentially
	Mode               encoder.Mode
	Encoder            encoder.Overrides // per-stream re-encode settings, zero means host tunable
	KeepFilesAfterStop bool
}

// Validate checks the spec before any work starts. PlaybackOrder "random"
// passes validation; Normalize downgrades it.
func (s *StreamSpec) Validate() error {
	if s.ID <= 0 {
		return errors.Newf("invalid stream id %d", s.ID).
			Component("streams").
			Category(errors.CategoryValidation).
			Build()
	}
	if len(s.Sources) == 0 {
		return errors.Newf("stream %d has no sources", s.ID).
			Component("streams").
			Category(errors.CategoryValidation).
			StreamContext(s.ID).
			Build()
	}
	for i, src := range s.Sources {
		if src.URL == "" && src.Path == "" {
			return errors.Newf("stream %d source %d is empty", s.ID, i).
				Component("streams").
				Category(errors.CategoryValidation).
				StreamContext(s.ID).
				Build()
		}
	}
	if !strings.HasPrefix(s.Destination, "rtmp://") && !strings.HasPrefix(s.Destination, "rtmps://") {
		return errors.Newf("stream %d destination is not an rtmp url", s.ID).
			Component("streams").
			Category(errors.CategoryValidation).
			StreamContext(s.ID).
			Build()
	}
	return nil
}

// Normalize resolves accepted-but-unsupported options. It reports whether
// the playback order was downgraded from random to sequential.
func (s *StreamSpec) Normalize() (randomDowngraded bool) {
	if strings.EqualFold(s.PlaybackOrder, "random") {
		s.PlaybackOrder = "sequential"
		return true
	}
	if s.PlaybackOrder == "" {
		s.PlaybackOrder = "sequential"
	}
	return false
}
