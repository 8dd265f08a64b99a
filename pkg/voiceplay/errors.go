package voiceplay

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes as constants
const (
	ErrCodeUnlock        = "UNLOCK_FAILED"
	ErrCodeFetch         = "FETCH_FAILED"
	ErrCodeDecode        = "DECODE_FAILED"
	ErrCodeValidation    = "VALIDATION_FAILED"
	ErrCodeSynthesis     = "SYNTHESIS_FAILED"
	ErrCodePlayback      = "PLAYBACK_ERROR"
	ErrCodeAudioDevice   = "AUDIO_DEVICE_ERROR"
	ErrCodeTranscription = "TRANSCRIPTION_FAILED"
	ErrCodeResponse      = "RESPONSE_FAILED"
	ErrCodeWebSocket     = "WEBSOCKET_ERROR"
	ErrCodeConfigInvalid = "CONFIG_INVALID"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeAuthFailed    = "AUTH_FAILED"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeUnknown       = "UNKNOWN_ERROR"
)

// Sentinels for errors.Is. A *VoiceError matches the sentinel sharing its code.
var (
	ErrUnlock     = &VoiceError{Code: ErrCodeUnlock, Message: "audio unlock failed"}
	ErrFetch      = &VoiceError{Code: ErrCodeFetch, Message: "audio fetch failed"}
	ErrDecode     = &VoiceError{Code: ErrCodeDecode, Message: "audio decode failed"}
	ErrValidation = &VoiceError{Code: ErrCodeValidation, Message: "recording rejected"}
	ErrSynthesis  = &VoiceError{Code: ErrCodeSynthesis, Message: "speech synthesis failed"}
	ErrCancelled  = &VoiceError{Code: ErrCodeCancelled, Message: "cancelled"}
)

// VoiceError carries a stable code plus free-form details.
type VoiceError struct {
	Message   string
	Code      string
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func NewVoiceError(message, code string) *VoiceError {
	return &VoiceError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func (e *VoiceError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	sb.WriteString(" (")
	sb.WriteString(e.Code)
	sb.WriteString(")")
	if e.err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.err.Error())
	}
	return sb.String()
}

func (e *VoiceError) Unwrap() error {
	return e.err
}

// Is matches any *VoiceError with the same code.
func (e *VoiceError) Is(target error) bool {
	var t *VoiceError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *VoiceError) AddDetail(key string, value interface{}) *VoiceError {
	if e == nil {
		return nil
	}
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *VoiceError) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

// WrapError wraps err under code. It returns nil for a nil err.
func WrapError(err error, code string) *VoiceError {
	if err == nil {
		return nil
	}
	var vErr *VoiceError
	if errors.As(err, &vErr) && vErr.Code == code {
		return vErr
	}
	return &VoiceError{
		Message:   err.Error(),
		Code:      code,
		Timestamp: time.Now(),
		err:       err,
	}
}

// Specific error creators with common codes
func NewUnlockError(err error) *VoiceError {
	return WrapError(err, ErrCodeUnlock)
}

func NewFetchError(url string, err error) *VoiceError {
	return WrapError(err, ErrCodeFetch).AddDetail("url", url)
}

func NewDecodeError(size int, err error) *VoiceError {
	return WrapError(err, ErrCodeDecode).AddDetail("bytes", size)
}

func NewValidationError(reason string) *VoiceError {
	return NewVoiceError(reason, ErrCodeValidation)
}

func NewSynthesisError(err error) *VoiceError {
	return WrapError(err, ErrCodeSynthesis)
}

func NewAudioDeviceError(message string) *VoiceError {
	return NewVoiceError(message, ErrCodeAudioDevice)
}

func NewPlaybackError(message string) *VoiceError {
	return NewVoiceError(message, ErrCodePlayback)
}

func NewConfigError(message string) *VoiceError {
	return NewVoiceError(message, ErrCodeConfigInvalid)
}

// CodeOf returns the code of err, or ErrCodeUnknown.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var vErr *VoiceError
	if errors.As(err, &vErr) {
		return vErr.Code
	}
	return ErrCodeUnknown
}

// IsErrorCode reports whether err carries code.
func IsErrorCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryableError reports errors worth retrying on the next user action.
func IsRetryableError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeUnlock, ErrCodeWebSocket, ErrCodeTimeout:
		return true
	}
	return false
}

// IsSoftError reports errors that are never surfaced to the user.
func IsSoftError(err error) bool {
	return IsErrorCode(err, ErrCodeUnlock)
}

// IsPlaybackFailure reports errors after which fallback narration is worth trying.
func IsPlaybackFailure(err error) bool {
	switch CodeOf(err) {
	case ErrCodeDecode, ErrCodeUnlock, ErrCodePlayback, ErrCodeAudioDevice, ErrCodeFetch:
		return true
	}
	return false
}

// UserMessage renders err for a UI. Soft errors render as "".
func UserMessage(err error) string {
	if err == nil || IsSoftError(err) {
		return ""
	}
	var vErr *VoiceError
	if errors.As(err, &vErr) {
		return vErr.Message
	}
	return fmt.Sprint(err)
}
