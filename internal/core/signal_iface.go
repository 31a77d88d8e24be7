package core

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Whisperer sends an addressed message on the active room topic.
// Delivery is at-least-once and ordered per sender.
type Whisperer interface {
	Whisper(event string, payload any) error
}

// WhisperFunc adapts a plain function to Whisperer.
type WhisperFunc func(event string, payload any) error

func (f WhisperFunc) Whisper(event string, payload any) error { return f(event, payload) }
