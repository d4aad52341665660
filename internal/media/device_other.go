//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceCapturer is unavailable off Linux: pion/mediadevices drivers used
// here are V4L2 and malgo only.
type DeviceCapturer struct{}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	return &DeviceCapturer{}, nil
}

func (d *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *DeviceCapturer) Capture(_ context.Context, _ Constraints) ([]Source, error) {
	return nil, ErrNotSupported
}
