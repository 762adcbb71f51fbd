//go:build !linux || !cgo

package rtc

import (
	"context"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Devices reports capture as unsupported; the session runs receive-only.
// Capture needs Linux and cgo for the VP8 and Opus encoders.
type Devices struct{}

func NewDevices(CaptureOptions) (*Devices, error) { return &Devices{}, nil }

func (*Devices) GetUserMedia(context.Context, core.MediaConstraints) ([]domain.Track, error) {
	return nil, core.ErrCaptureUnsupported
}

func (*Devices) GetDisplayMedia(context.Context) ([]domain.Track, error) {
	return nil, core.ErrCaptureUnsupported
}
