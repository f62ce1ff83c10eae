// Package domain contains entity without logic, just meta-data
package domain

import (
	"strings"
	"time"
)

const MaxDeviceIDLen = 256

// DeviceID identifies a capture device: a path, an index or a platform name.
// It is the sharing key of the relay.
type DeviceID string

// NewDeviceID validates a raw identifier coming from a signaling request.
func NewDeviceID(raw string) (DeviceID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidDevice
	}
	if len(raw) > MaxDeviceIDLen {
		return "", ErrInvalidDevice
	}
	return DeviceID(raw), nil
}

// CaptureOptions are advisory hints for the capture backend.
type CaptureOptions struct {
	Width     int    `json:"width,omitempty" mapstructure:"width"`
	Height    int    `json:"height,omitempty" mapstructure:"height"`
	FrameRate int    `json:"framerate,omitempty" mapstructure:"framerate"`
	Mode      string `json:"mode,omitempty" mapstructure:"mode"`
}

// WithDefaults fills zero fields from def.
func (o CaptureOptions) WithDefaults(def CaptureOptions) CaptureOptions {
	if o.Width <= 0 {
		o.Width = def.Width
	}
	if o.Height <= 0 {
		o.Height = def.Height
	}
	if o.FrameRate <= 0 {
		o.FrameRate = def.FrameRate
	}
	if o.Mode == "" {
		o.Mode = def.Mode
	}
	return o
}

// Frame is one encoded access unit produced by a capture source.
// Data is shared between subscribers and must not be mutated.
type Frame struct {
	Data      []byte
	Timestamp time.Duration // capture time relative to source start
	Keyframe  bool
}
