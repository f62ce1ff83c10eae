package core

import (
	"context"

	"github.com/dkeye/camcast/internal/domain"
)

// FrameSource is an open capture device.
// Close must unblock a pending Read; Read then returns an error.
type FrameSource interface {
	Read() (domain.Frame, error)
	Close() error
}

// SourceOpener opens the FrameSource for a device.
type SourceOpener interface {
	Open(ctx context.Context, id domain.DeviceID, opts domain.CaptureOptions) (FrameSource, error)
}
