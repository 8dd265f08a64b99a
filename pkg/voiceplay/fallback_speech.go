package voiceplay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Utterance is one request to a SpeechPlatform. Callbacks may run on any
// goroutine; at most one of OnEnd and OnError fires.
type Utterance struct {
	Text   string
	Lang   string
	Voice  *Voice
	Rate   float64
	Volume float64

	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// SpeechPlatform is on-device text to speech with a single utterance queue.
type SpeechPlatform interface {
	Available() bool
	Voices() []Voice
	// OnVoicesChanged fires when the voice list finishes loading.
	OnVoicesChanged(fn func()) (remove func())
	Speak(u *Utterance) error
	Cancel()
	Pause() error
	Resume() error
}

// SelectVoice picks an exact locale match, then a language-prefix match,
// then the first voice. Locales compare case-insensitively with - and _
// treated alike.
func SelectVoice(voices []Voice, locale string) *Voice {
	if len(voices) == 0 {
		return nil
	}
	want := normalizeLocale(locale)
	prefix := want
	if i := strings.IndexByte(want, '-'); i >= 0 {
		prefix = want[:i]
	}
	for i := range voices {
		if normalizeLocale(voices[i].Lang) == want {
			return &voices[i]
		}
	}
	if prefix != "" {
		for i := range voices {
			if strings.HasPrefix(normalizeLocale(voices[i].Lang), prefix) {
				return &voices[i]
			}
		}
	}
	return &voices[0]
}

func normalizeLocale(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", "-"))
}

// FallbackSpeaker narrates text through the platform voice when buffer
// playback is unavailable.
type FallbackSpeaker struct {
	platform      SpeechPlatform
	touch         bool
	voicesTimeout time.Duration
	logger        *Logger

	mu      sync.Mutex
	playing bool
	seq     uint64

	onStart listeners[func()]
	onEnd   listeners[func()]
}

func NewFallbackSpeaker(platform SpeechPlatform, touchPlatform bool, voicesTimeout time.Duration, logger *Logger) *FallbackSpeaker {
	if voicesTimeout <= 0 {
		voicesTimeout = time.Second
	}
	return &FallbackSpeaker{
		platform:      platform,
		touch:         touchPlatform,
		voicesTimeout: voicesTimeout,
		logger:        loggerOr(logger, "FallbackSpeaker"),
	}
}

// Available reports whether a platform voice can be used at all.
func (f *FallbackSpeaker) Available() bool {
	return f.platform != nil && f.platform.Available()
}

// Speak cancels any utterance in flight and queues text. done receives nil
// when the utterance ends or the platform error otherwise; it is buffered
// and receives exactly once.
func (f *FallbackSpeaker) Speak(text, locale string) (<-chan error, error) {
	if !f.Available() {
		fallbackUtterances.WithLabelValues("unavailable").Inc()
		return nil, NewSynthesisError(errors.New("platform speech synthesis not available"))
	}

	f.platform.Cancel()

	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.playing = false
	f.mu.Unlock()

	done := make(chan error, 1)
	var once sync.Once
	finish := func(err error) {
		once.Do(func() {
			f.setPlaying(seq, false)
			done <- err
		})
	}

	u := &Utterance{
		Text:   text,
		Lang:   locale,
		Voice:  SelectVoice(f.platform.Voices(), locale),
		Rate:   1,
		Volume: 1,
		OnStart: func() {
			f.setPlaying(seq, true)
			f.logger.Debug("Platform speech started")
			for _, h := range f.onStart.snapshot() {
				h()
			}
		},
		OnEnd: func() {
			finish(nil)
			fallbackUtterances.WithLabelValues("success").Inc()
			for _, h := range f.onEnd.snapshot() {
				h()
			}
		},
		OnError: func(err error) {
			if errors.Is(err, ErrCancelled) {
				fallbackUtterances.WithLabelValues("cancelled").Inc()
				finish(err)
				return
			}
			fallbackUtterances.WithLabelValues("error").Inc()
			f.logger.WithError(err).Warn("Platform speech failed")
			finish(NewSynthesisError(err))
		},
	}

	if f.touch {
		// first utterance after load is silently dropped on some touch platforms
		if err := f.platform.Speak(&Utterance{Lang: locale}); err != nil {
			f.logger.WithError(err).Debug("Priming utterance failed")
		}
	}

	if err := f.platform.Speak(u); err != nil {
		fallbackUtterances.WithLabelValues("error").Inc()
		return nil, NewSynthesisError(err)
	}

	fields := map[string]interface{}{"chars": len(text), "locale": locale}
	if u.Voice != nil {
		fields["voice"] = u.Voice.Name
	}
	f.logger.LogAudioEvent("fallback_speak", fields)
	return done, nil
}

// SpeakAndWait speaks text and blocks until it ends, fails or ctx is done.
// A cancelled ctx cancels the utterance.
func (f *FallbackSpeaker) SpeakAndWait(ctx context.Context, text, locale string) error {
	done, err := f.Speak(text, locale)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		f.Cancel()
		return ctx.Err()
	}
}

func (f *FallbackSpeaker) setPlaying(seq uint64, playing bool) {
	f.mu.Lock()
	if f.seq == seq {
		f.playing = playing
	}
	f.mu.Unlock()
}

// Cancel drops the current and queued utterances.
func (f *FallbackSpeaker) Cancel() {
	if f.platform == nil {
		return
	}
	f.mu.Lock()
	f.seq++
	f.playing = false
	f.mu.Unlock()
	f.platform.Cancel()
}

// Pause is best effort; some platforms ignore it.
func (f *FallbackSpeaker) Pause() error {
	if f.platform == nil {
		return nil
	}
	return f.platform.Pause()
}

func (f *FallbackSpeaker) Resume() error {
	if f.platform == nil {
		return nil
	}
	return f.platform.Resume()
}

func (f *FallbackSpeaker) Speaking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

// LoadVoices returns the voice list, waiting for it to load if needed, at
// most voicesTimeout.
func (f *FallbackSpeaker) LoadVoices(ctx context.Context) []Voice {
	if f.platform == nil {
		return nil
	}
	if voices := f.platform.Voices(); len(voices) > 0 {
		return voices
	}

	changed := make(chan struct{}, 1)
	remove := f.platform.OnVoicesChanged(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()

	// voices may have landed between the check and the subscription
	if voices := f.platform.Voices(); len(voices) > 0 {
		return voices
	}

	timer := time.NewTimer(f.voicesTimeout)
	defer timer.Stop()
	select {
	case <-changed:
	case <-timer.C:
		f.logger.Debug("Voices did not load before timeout")
	case <-ctx.Done():
	}
	return f.platform.Voices()
}

// OnStart registers a handler for utterance start.
func (f *FallbackSpeaker) OnStart(h func()) func() {
	return f.onStart.add(h)
}

// OnEnd registers a handler for natural utterance end.
func (f *FallbackSpeaker) OnEnd(h func()) func() {
	return f.onEnd.add(h)
}
