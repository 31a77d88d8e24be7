package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrMediaAcquisition = errors.New("media acquisition failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoDevice         = errors.New("no capture device")
)

type Constraints struct {
	Audio bool
	Video bool
}

// Devices is the platform capture surface.
type Devices interface {
	UserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
	DisplayMedia(ctx context.Context, c Constraints) (*LocalStream, error)
}

// StaticDevices hands out sample tracks the application writes encoded
// media into (Opus audio, VP8 video).
type StaticDevices struct {
	DenyUserMedia bool
	DenyDisplay   bool
}

func (d StaticDevices) UserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if d.DenyUserMedia {
		return nil, ErrPermissionDenied
	}
	return capture(ctx, c)
}

func (d StaticDevices) DisplayMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if d.DenyDisplay {
		return nil, ErrPermissionDenied
	}
	return capture(ctx, c)
}

func capture(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}
	streamID := uuid.NewString()
	var tracks []*LocalTrack
	if c.Video {
		t, err := NewLocalTrack(VP8Capability, streamID)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		tracks = append(tracks, t)
	}
	if c.Audio {
		t, err := NewLocalTrack(OpusCapability, streamID)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		tracks = append(tracks, t)
	}
	return NewLocalStream(streamID, tracks...), nil
}
