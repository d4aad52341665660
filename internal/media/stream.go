package media

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source is a captured track as handed to the peer connection.
type Source interface {
	webrtc.TrackLocal
	Close() error
}

// Settings reports what a track was captured with.
type Settings struct {
	Tier      string
	Width     int
	Height    int
	FrameRate float32
	Facing    Facing
}

// Track wraps a captured source with an enabled flag.
type Track struct {
	src         Source
	kind        Kind
	constraints Constraints
	settings    Settings

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newTrack(src Source, c Constraints) *Track {
	t := &Track{
		src:         src,
		kind:        kindOf(src),
		constraints: c,
		enabled:     true,
	}
	t.settings.Tier = c.Tier
	if t.kind == KindVideo && c.Video != nil {
		t.settings.Width = c.Video.Width
		t.settings.Height = c.Video.Height
		t.settings.FrameRate = c.Video.FrameRate
		t.settings.Facing = c.Video.Facing
	}
	return t
}

func kindOf(src Source) Kind {
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

func (t *Track) ID() string               { return t.src.ID() }
func (t *Track) Kind() Kind               { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.src }
func (t *Track) Settings() Settings       { return t.settings }
func (t *Track) Constraints() Constraints { return t.constraints }
func (t *Track) Facing() Facing           { return t.settings.Facing }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

// Stop closes the underlying source. Safe to call more than once.
func (t *Track) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()
	return t.src.Close()
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stream is a handle over the tracks of one acquisition.
type Stream struct {
	id string

	mu     sync.Mutex
	tracks []*Track
}

// NewStream builds a stream over already captured sources.
func NewStream(srcs []Source, c Constraints) *Stream {
	s := &Stream{id: uuid.NewString()}
	for _, src := range srcs {
		s.tracks = append(s.tracks, newTrack(src, c))
	}
	return s
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a snapshot of the stream's tracks.
func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Track returns the first track of kind, or nil.
func (s *Stream) Track(kind Kind) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// HasKind reports whether the stream carries a track of kind.
func (s *Stream) HasKind(kind Kind) bool {
	return s.Track(kind) != nil
}

// SetEnabled flips the enabled flag on every track of kind and reports
// whether any track was affected.
func (s *Stream) SetEnabled(kind Kind, on bool) bool {
	found := false
	for _, t := range s.Tracks() {
		if t.kind == kind {
			t.SetEnabled(on)
			found = true
		}
	}
	return found
}

// ReplaceTrack swaps in t for the existing track of the same kind and
// returns the replaced track, or nil if t was appended.
func (s *Stream) ReplaceTrack(t *Track) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, old := range s.tracks {
		if old.kind == t.kind {
			s.tracks[i] = t
			return old
		}
	}
	s.tracks = append(s.tracks, t)
	return nil
}

// Stop stops every track. Safe to call more than once.
func (s *Stream) Stop() error {
	var errs []error
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
