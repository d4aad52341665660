// Package media acquires and releases local capture devices for calls.
package media

import (
	"context"
	"errors"
	"log"

	"github.com/pion/webrtc/v4"
)

// Capturer opens capture devices under one constraint set.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) ([]Source, error)
}

// CodecRegistrar is implemented by capturers whose sources need specific
// codecs registered on the peer connection's media engine.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// Provider acquires streams with a high quality tier and a single minimal
// fallback after an overconstrained failure.
type Provider struct {
	capturer Capturer
}

func NewProvider(c Capturer) *Provider {
	return &Provider{capturer: c}
}

// Capturer returns the device backend the provider was built with.
func (p *Provider) Capturer() Capturer {
	return p.capturer
}

// Acquire captures a stream for req. The returned error, if any, is a *Error.
func (p *Provider) Acquire(ctx context.Context, req Request) (*Stream, error) {
	if !req.Audio && !req.Video {
		return nil, &Error{Kind: KindNotSupported, Err: errors.New("no media kind requested")}
	}

	stream, err := p.capture(ctx, HighQuality(req))
	if err == nil {
		return stream, nil
	}
	if !IsKind(err, KindOverconstrained) {
		return nil, err
	}

	log.Printf("MEDIA: high quality constraints rejected, retrying minimal set: %v", err)
	return p.capture(ctx, Minimal(req))
}

// Release stops every track of s. Safe to call more than once and with nil.
func (p *Provider) Release(s *Stream) error {
	if s == nil {
		return nil
	}
	return s.Stop()
}

type captureResult struct {
	srcs []Source
	err  error
}

// capture runs one capture attempt. A capture that completes after ctx was
// cancelled has its sources closed instead of returned.
func (p *Provider) capture(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindCancelled, Err: err}
	}

	done := make(chan captureResult, 1)
	go func() {
		srcs, err := p.capturer.Capture(ctx, c)
		done <- captureResult{srcs: srcs, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			closeSources(r.srcs)
			return nil, Classify(r.err)
		}
		if len(r.srcs) == 0 {
			return nil, &Error{Kind: KindDeviceNotFound, Err: errors.New("capture returned no tracks")}
		}
		return NewStream(r.srcs, c), nil
	case <-ctx.Done():
		go func() {
			r := <-done
			if n := closeSources(r.srcs); n > 0 {
				log.Printf("MEDIA: released %d tracks captured after cancellation", n)
			}
		}()
		return nil, &Error{Kind: KindCancelled, Err: ctx.Err()}
	}
}

func closeSources(srcs []Source) int {
	for _, s := range srcs {
		if err := s.Close(); err != nil {
			log.Printf("MEDIA: close track %s: %v", s.ID(), err)
		}
	}
	return len(srcs)
}
