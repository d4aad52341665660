// Package mediatest provides in-memory capture sources for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/pion/webrtc/v4"
)

// Source is a static sample track that counts Close calls.
type Source struct {
	*webrtc.TrackLocalStaticSample
	closed atomic.Int32
}

var seq atomic.Int64

// NewSource returns a source of the given kind with a unique track id.
func NewSource(kind media.Kind) *Source {
	mime := webrtc.MimeTypeOpus
	if kind == media.KindVideo {
		mime = webrtc.MimeTypeVP8
	}
	id := fmt.Sprintf("%s-%d", kind, seq.Add(1))
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "mediatest")
	if err != nil {
		panic(err)
	}
	return &Source{TrackLocalStaticSample: track}
}

func (s *Source) Close() error {
	s.closed.Add(1)
	return nil
}

// Closed reports how many times Close was called.
func (s *Source) Closed() int {
	return int(s.closed.Load())
}

// Capturer hands out fresh sources per call. Errs are returned in order for
// the first calls; Block, when set, holds every capture until it is closed.
type Capturer struct {
	Errs  []error
	Block chan struct{}

	mu      sync.Mutex
	calls   []media.Constraints
	sources []*Source
}

func (c *Capturer) Capture(ctx context.Context, cons media.Constraints) ([]media.Source, error) {
	c.mu.Lock()
	n := len(c.calls)
	c.calls = append(c.calls, cons)
	c.mu.Unlock()

	if c.Block != nil {
		<-c.Block
	}
	if n < len(c.Errs) && c.Errs[n] != nil {
		return nil, c.Errs[n]
	}

	var out []media.Source
	if cons.Audio != nil {
		out = append(out, c.track(media.KindAudio))
	}
	if cons.Video != nil {
		out = append(out, c.track(media.KindVideo))
	}
	return out, nil
}

func (c *Capturer) track(kind media.Kind) *Source {
	s := NewSource(kind)
	c.mu.Lock()
	c.sources = append(c.sources, s)
	c.mu.Unlock()
	return s
}

// Calls returns the constraint sets Capture was invoked with.
func (c *Capturer) Calls() []media.Constraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]media.Constraints, len(c.calls))
	copy(out, c.calls)
	return out
}

// Sources returns every source handed out so far.
func (c *Capturer) Sources() []*Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Source, len(c.sources))
	copy(out, c.sources)
	return out
}

// OpenSources counts handed out sources that were never closed.
func (c *Capturer) OpenSources() int {
	open := 0
	for _, s := range c.Sources() {
		if s.Closed() == 0 {
			open++
		}
	}
	return open
}
