package voiceplay

import "time"

// WordTiming is one spoken word and the window, in seconds from the start of
// the utterance, during which it is heard.
type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// VoiceButtonState enum
type VoiceButtonState string

const (
	StateIdle       VoiceButtonState = "idle"
	StateGreeting   VoiceButtonState = "greeting"
	StateReady      VoiceButtonState = "ready"
	StateRecording  VoiceButtonState = "recording"
	StateProcessing VoiceButtonState = "processing"
	StateSpeaking   VoiceButtonState = "speaking"
)

// IsSpeaking reports whether the state renders as assistant speech.
func (s VoiceButtonState) IsSpeaking() bool {
	return s == StateSpeaking || s == StateGreeting
}

// UnlockState enum
type UnlockState string

const (
	UnlockLocked   UnlockState = "locked"
	UnlockWarming  UnlockState = "warming"
	UnlockUnlocked UnlockState = "unlocked"
)

// ContextState enum
type ContextState string

const (
	ContextSuspended ContextState = "suspended"
	ContextRunning   ContextState = "running"
	ContextClosed    ContextState = "closed"
)

// Gesture is a user interaction that authorizes playback.
type Gesture string

const (
	GestureTouchStart Gesture = "touchstart"
	GestureTouchEnd   Gesture = "touchend"
	GestureClick      Gesture = "click"
)

// Snapshot is the pollable state exposed to UIs.
type Snapshot struct {
	State            VoiceButtonState `json:"state"`
	Progress         float64          `json:"progress"`
	CurrentWordIndex int              `json:"current_word_index"`
	CurrentTime      float64          `json:"current_time"`
	Duration         float64          `json:"duration"`
	Playing          bool             `json:"playing"`
	Pending          bool             `json:"pending"`
	Error            string           `json:"error,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// KaraokeState is what the synchronizer publishes.
type KaraokeState struct {
	CurrentWordIndex int
	CurrentTime      float64
	IsPlaying        bool
	Progress         float64
}

// Speech is the result of a speech-synthesis collaborator. Exactly one of
// Chunks and Audio is set.
type Speech struct {
	ID       string
	Text     string
	Chunks   <-chan []byte
	Audio    []byte
	MimeType string
	Words    []WordTiming
}

// Streaming reports whether the speech arrives as a chunk sequence.
func (s *Speech) Streaming() bool {
	return s != nil && s.Chunks != nil
}

// Voice is a platform text-to-speech voice.
type Voice struct {
	Name    string
	Lang    string
	Default bool
}

// Handler types
type SnapshotHandler func(Snapshot)
type KaraokeHandler func(KaraokeState)
type ProgressHandler func(percent float64, duration float64)
type ErrorHandler func(*VoiceError)
type AudioDataHandler func([]float32)
type UnlockHandler func(UnlockState)
