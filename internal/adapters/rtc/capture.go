package rtc

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type CaptureOptions struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{MaxWidth: 640, MaxHeight: 480, VideoBitRate: 1_500_000}
}

// captureError maps driver failures onto the core sentinels.
func captureError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %w", core.ErrPermissionDenied, err)
	case strings.Contains(strings.ToLower(err.Error()), "permission"):
		return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %w", core.ErrNoDevice, err)
	}
}

func wrapTracks[S CaptureSource](srcs []S) []domain.Track {
	out := make([]domain.Track, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, NewLocalTrack(s))
	}
	return out
}
