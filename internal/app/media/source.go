package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Source caches the microphone capture and tracks the on-demand display capture.
// Both are shared by reference across every peer connection.
type Source struct {
	devices Devices

	mu       sync.Mutex
	mic      *LocalStream
	display  *LocalStream
	micMuted bool
}

func NewSource(devices Devices) *Source {
	return &Source{devices: devices}
}

// AcquireMicrophone returns the cached microphone stream, capturing it on first use.
func (s *Source) AcquireMicrophone(ctx context.Context) (*LocalStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mic != nil {
		return s.mic, nil
	}
	stream, err := s.devices.UserMedia(ctx, Constraints{Audio: true})
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("microphone capture failed")
		return nil, fmt.Errorf("%w: microphone: %w", ErrMediaAcquisition, err)
	}
	for _, t := range stream.Tracks() {
		t.SetMuted(s.micMuted)
	}
	s.mic = stream
	log.Info().Str("module", "media").Str("stream", stream.ID).Msg("microphone acquired")
	return stream, nil
}

func (s *Source) ReleaseMicrophone() {
	s.mu.Lock()
	mic := s.mic
	s.mic = nil
	s.mu.Unlock()
	if mic == nil {
		return
	}
	mic.Stop()
	log.Info().Str("module", "media").Str("stream", mic.ID).Msg("microphone released")
}

func (s *Source) Microphone() *LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mic
}

// SetMicrophoneMuted silences the microphone without renegotiating.
func (s *Source) SetMicrophoneMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.micMuted = muted
	if s.mic == nil {
		return
	}
	for _, t := range s.mic.Tracks() {
		t.SetMuted(muted)
	}
}

func (s *Source) MicrophoneMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micMuted
}

// AcquireDisplay captures the screen (video plus system audio). While a capture
// is active it is returned as is; after ReleaseDisplay a new one is taken.
func (s *Source) AcquireDisplay(ctx context.Context) (*LocalStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.display != nil {
		return s.display, nil
	}
	stream, err := s.devices.DisplayMedia(ctx, Constraints{Audio: true, Video: true})
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("display capture failed")
		return nil, fmt.Errorf("%w: display: %w", ErrMediaAcquisition, err)
	}
	s.display = stream
	log.Info().Str("module", "media").Str("stream", stream.ID).Msg("display acquired")
	return stream, nil
}

// ReleaseDisplay clears the display state before stopping its tracks and
// returns the released stream, nil if none was active.
func (s *Source) ReleaseDisplay() *LocalStream {
	s.mu.Lock()
	display := s.display
	s.display = nil
	s.mu.Unlock()
	if display == nil {
		return nil
	}
	display.Stop()
	log.Info().Str("module", "media").Str("stream", display.ID).Msg("display released")
	return display
}

func (s *Source) Display() *LocalStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display
}

// Release drops both captures.
func (s *Source) Release() {
	s.ReleaseDisplay()
	s.ReleaseMicrophone()
}
