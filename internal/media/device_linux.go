//go:build linux

package media

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceCapturer captures camera and microphone through pion/mediadevices
// (V4L2 + malgo) and encodes them as VP8 and Opus.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs registers the encoders' codecs on m.
func (d *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *DeviceCapturer) Capture(ctx context.Context, c Constraints) ([]Source, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}

	if v := c.Video; v != nil {
		deviceID, err := pickCamera(v.Facing)
		if err != nil {
			return nil, err
		}
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.String(deviceID)
			// Raw formats only; MJPEG nodes on some cameras poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.Int(v.Width)
			mc.Height = prop.Int(v.Height)
			if v.FrameRate > 0 {
				mc.FrameRate = prop.Float(v.FrameRate)
			}
		}
	}
	if c.Audio != nil {
		// mediadevices exposes no echo/noise/gain processing; the flags are
		// kept on the track's Constraints for introspection only.
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	tracks := stream.GetTracks()
	srcs := make([]Source, 0, len(tracks))
	for _, track := range tracks {
		id := track.ID()
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: track %s ended: %v", id, err)
			}
		})
		srcs = append(srcs, track)
	}
	return srcs, nil
}

// pickCamera selects a video input for facing. The first camera is treated
// as user-facing; an environment camera is the first one labelled back/rear,
// otherwise the second camera.
func pickCamera(facing Facing) (string, error) {
	var cams []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cams = append(cams, d)
		}
	}
	if len(cams) == 0 {
		return "", ErrDeviceNotFound
	}
	if facing != FacingEnvironment {
		return cams[0].DeviceID, nil
	}
	for _, c := range cams {
		label := strings.ToLower(c.Label)
		if strings.Contains(label, "back") || strings.Contains(label, "rear") {
			return c.DeviceID, nil
		}
	}
	if len(cams) < 2 {
		return "", fmt.Errorf("%w: no environment-facing camera", ErrDeviceNotFound)
	}
	return cams[1].DeviceID, nil
}
