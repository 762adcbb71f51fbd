//go:build linux && cgo

package rtc

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Devices captures camera, microphone and screen through V4L2, malgo and
// X11 drivers.
type Devices struct {
	opts     CaptureOptions
	selector *mediadevices.CodecSelector
}

func NewDevices(opts CaptureOptions) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("module", "rtc").Interface("kind", d.Kind).Str("label", d.Label).Msg("media device")
	}

	return &Devices{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *Devices) videoConstraints(c *mediadevices.MediaTrackConstraints) {
	// MJPEG nodes on some cameras emit frames that break the VP8 encoder.
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: d.opts.MaxWidth}
	c.Height = prop.IntRanged{Max: d.opts.MaxHeight}
}

func (d *Devices) GetUserMedia(ctx context.Context, c core.MediaConstraints) ([]domain.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = d.videoConstraints
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, captureError(err)
	}
	return wrapTracks(stream.GetTracks()), nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context) ([]domain.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, captureError(err)
	}
	return wrapTracks(stream.GetTracks()), nil
}
