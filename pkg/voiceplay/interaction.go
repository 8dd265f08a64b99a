package voiceplay

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StateChangeHandler is called after every voice button transition.
type StateChangeHandler func(from, to VoiceButtonState)

// InteractionOptions wires an Interaction. Engine, Recorder and Transcriber
// are required. Without a Responder the transcript is spoken back; without
// a Synthesizer every reply goes to Fallback.
type InteractionOptions struct {
	Engine      *Engine
	Recorder    *Recorder
	Transcriber Transcriber
	Responder   Responder
	Synthesizer Synthesizer
	Fallback    *FallbackSpeaker
	Locale      string
	Logger      *Logger
}

// Interaction drives the record → process → speak cycle behind a single
// voice button.
type Interaction struct {
	engine      *Engine
	recorder    *Recorder
	transcriber Transcriber
	responder   Responder
	synthesizer Synthesizer
	fallback    *FallbackSpeaker
	locale      string
	logger      *Logger

	baseCtx context.Context
	closeFn context.CancelFunc

	mu       sync.Mutex
	state    VoiceButtonState
	greeted  bool
	turn     uint64
	cancel   context.CancelFunc
	reply    string
	metrics  *TurnMetrics
	awaiting bool

	stateHandlers listeners[StateChangeHandler]
	errHandlers   listeners[ErrorHandler]
	transcripts   listeners[func(string)]
	replies       listeners[func(string)]
	unsubs        []func()
}

func NewInteraction(opts InteractionOptions) (*Interaction, error) {
	if opts.Engine == nil {
		return nil, NewConfigError("interaction requires an engine")
	}
	if opts.Recorder == nil {
		return nil, NewConfigError("interaction requires a recorder")
	}
	if opts.Transcriber == nil {
		return nil, NewConfigError("interaction requires a transcriber")
	}
	if opts.Locale == "" {
		opts.Locale = opts.Engine.Config().FallbackLocale
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := &Interaction{
		engine:      opts.Engine,
		recorder:    opts.Recorder,
		transcriber: opts.Transcriber,
		responder:   opts.Responder,
		synthesizer: opts.Synthesizer,
		fallback:    opts.Fallback,
		locale:      opts.Locale,
		logger:      loggerOr(opts.Logger, "Interaction"),
		baseCtx:     ctx,
		closeFn:     cancel,
		state:       StateIdle,
	}
	i.unsubs = append(i.unsubs,
		opts.Engine.OnPlaybackEnded(i.onPlaybackEnded),
		opts.Engine.Subscribe(i.onSnapshot),
	)
	opts.Engine.SetState(StateIdle)
	return i, nil
}

// State returns the current button state.
func (i *Interaction) State() VoiceButtonState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Greeted reports whether the opening greeting has been played.
func (i *Interaction) Greeted() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.greeted
}

// Tap is the button press. It doubles as the unlock gesture, so it must be
// called from the input handler itself.
func (i *Interaction) Tap() error {
	if !i.engine.Unlocked() {
		i.engine.Warmup()
	}

	switch i.State() {
	case StateIdle, StateReady:
		return i.startRecording()
	case StateRecording:
		return i.stopRecording()
	case StateSpeaking, StateGreeting:
		i.Cancel()
		return nil
	default:
		i.logger.Debug("Tap ignored while processing")
		return nil
	}
}

// Greet speaks text once at conversation start. Later calls are no-ops.
func (i *Interaction) Greet(text string) error {
	i.mu.Lock()
	if i.greeted || i.state != StateIdle {
		i.mu.Unlock()
		return nil
	}
	i.greeted = true
	i.turn++
	gen := i.turn
	ctx, cancel := context.WithCancel(i.baseCtx)
	i.cancel = cancel
	i.mu.Unlock()

	i.setState(StateGreeting)
	go i.speak(ctx, gen, text, StateGreeting)
	return nil
}

// Cancel abandons whatever is in progress and returns to rest. A recording
// is discarded and the microphone released.
func (i *Interaction) Cancel() {
	i.mu.Lock()
	state := i.state
	i.turn++
	cancel := i.cancel
	i.cancel = nil
	i.awaiting = false
	i.metrics = nil
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	switch state {
	case StateRecording:
		i.recorder.Cancel()
	case StateProcessing, StateSpeaking, StateGreeting:
		i.engine.Stop()
		if i.fallback != nil {
			i.fallback.Cancel()
		}
	}
	i.rest()
}

func (i *Interaction) startRecording() error {
	i.mu.Lock()
	i.turn++
	gen := i.turn
	i.mu.Unlock()

	err := i.recorder.Start(func() {
		i.engine.Dispatcher().Post(func() { i.autoStop(gen) })
	})
	if err != nil {
		i.report(err)
		i.rest()
		return err
	}
	i.engine.SetError(nil)
	i.setState(StateRecording)
	return nil
}

func (i *Interaction) autoStop(gen uint64) {
	i.mu.Lock()
	current := i.turn == gen && i.state == StateRecording
	i.mu.Unlock()
	if !current {
		return
	}
	i.logger.Info("Maximum recording duration reached")
	if err := i.stopRecording(); err != nil {
		i.logger.WithError(err).Debug("Auto-stop rejected clip")
	}
}

// stopRecording validates the clip and, when acceptable, starts a turn.
// Rejected clips never reach the transcriber.
func (i *Interaction) stopRecording() error {
	clip, err := i.recorder.Stop()
	if err == nil {
		err = ValidateClip(clip, i.recorder.Limits())
	}
	if err != nil {
		reason := "error"
		var vErr *VoiceError
		if errors.As(err, &vErr) {
			if r, ok := vErr.GetDetail("reason"); ok {
				reason, _ = r.(string)
			}
		}
		rejectedRecordings.WithLabelValues(reason).Inc()
		i.report(err)
		i.rest()
		return err
	}

	turnID := uuid.NewString()
	metrics := NewTurnMetrics(turnID)
	metrics.RecordProcessingStart()

	i.mu.Lock()
	i.turn++
	gen := i.turn
	ctx, cancel := context.WithCancel(i.baseCtx)
	i.cancel = cancel
	i.metrics = metrics
	i.mu.Unlock()

	i.setState(StateProcessing)
	i.logger.WithFields(map[string]interface{}{
		"turn":     turnID,
		"duration": clip.Duration().Seconds(),
		"size_kb":  clip.SizeKB(),
	}).Info("Processing recording")
	go i.process(ctx, gen, clip)
	return nil
}

func (i *Interaction) process(ctx context.Context, gen uint64, clip *Clip) {
	transcript, err := i.transcriber.Transcribe(ctx, clip.Data, clip.MimeType)
	if err != nil {
		i.fail(gen, WrapError(err, ErrCodeTranscription))
		return
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		i.fail(gen, NewValidationError("no speech detected").AddDetail("reason", "empty_transcript"))
		return
	}
	if !i.currentTurn(gen) {
		return
	}
	for _, h := range i.transcripts.snapshot() {
		h(transcript)
	}

	reply := transcript
	if i.responder != nil {
		reply, err = i.responder.Respond(ctx, transcript)
		if err != nil {
			i.fail(gen, WrapError(err, ErrCodeResponse))
			return
		}
	}
	if !i.currentTurn(gen) {
		return
	}
	for _, h := range i.replies.snapshot() {
		h(reply)
	}

	i.setStateIf(gen, StateSpeaking)
	i.speak(ctx, gen, reply, StateSpeaking)
}

// speak synthesizes and plays text, narrating it with the platform voice
// when audio playback is not possible.
func (i *Interaction) speak(ctx context.Context, gen uint64, text string, state VoiceButtonState) {
	i.mu.Lock()
	i.reply = text
	i.mu.Unlock()

	if i.synthesizer == nil {
		i.narrate(gen, text, nil)
		return
	}

	speech, err := i.synthesizer.Synthesize(ctx, text)
	if !i.currentTurn(gen) {
		return
	}
	if err != nil {
		i.narrate(gen, text, err)
		return
	}

	i.mu.Lock()
	i.awaiting = true
	i.mu.Unlock()
	if err := i.engine.PlaySpeech(ctx, speech); err != nil {
		i.mu.Lock()
		i.awaiting = false
		i.mu.Unlock()
		if IsPlaybackFailure(err) {
			i.narrate(gen, text, err)
			return
		}
		i.fail(gen, err)
		return
	}
	i.logger.WithFields(map[string]interface{}{
		"speech":    speech.ID,
		"streaming": speech.Streaming(),
		"words":     len(speech.Words),
		"state":     string(state),
	}).Debug("Reply handed to engine")
}

func (i *Interaction) onPlaybackEnded(res PlaybackResult) {
	i.mu.Lock()
	if !i.awaiting {
		i.mu.Unlock()
		return
	}
	i.awaiting = false
	gen := i.turn
	text := i.reply
	i.mu.Unlock()

	if !res.Played && res.Err != nil && IsPlaybackFailure(res.Err) {
		i.narrate(gen, text, res.Err)
		return
	}
	if res.Err != nil && !res.Played {
		i.fail(gen, res.Err)
		return
	}
	i.finishTurn(gen)
}

// narrate speaks text with the platform voice. cause is the audio failure
// that led here, reported if narration is impossible too.
func (i *Interaction) narrate(gen uint64, text string, cause error) {
	if i.fallback == nil || !i.fallback.Available() {
		if cause == nil {
			cause = NewSynthesisError(errors.New("no speech output available"))
		}
		i.fail(gen, cause)
		return
	}
	if cause != nil {
		i.logger.WithError(cause).Info("Audio playback unavailable, using platform voice")
	}
	done, err := i.fallback.Speak(text, i.locale)
	if err != nil {
		i.fail(gen, err)
		return
	}
	i.mu.Lock()
	metrics := i.metrics
	i.mu.Unlock()
	if metrics != nil {
		metrics.RecordFirstAudio()
	}

	go func() {
		err := <-done
		if errors.Is(err, ErrCancelled) {
			return
		}
		if err != nil {
			i.fail(gen, err)
			return
		}
		i.finishTurn(gen)
	}()
}

func (i *Interaction) onSnapshot(s Snapshot) {
	if !s.Playing {
		return
	}
	i.mu.Lock()
	metrics := i.metrics
	i.mu.Unlock()
	if metrics != nil {
		metrics.RecordFirstAudio()
	}
}

func (i *Interaction) finishTurn(gen uint64) {
	i.mu.Lock()
	if gen != i.turn {
		i.mu.Unlock()
		return
	}
	i.cancel = nil
	i.metrics = nil
	i.mu.Unlock()
	i.rest()
}

// fail reports err and returns to rest if gen is still the current turn.
func (i *Interaction) fail(gen uint64, err error) {
	if !i.currentTurn(gen) || errors.Is(err, context.Canceled) {
		return
	}
	i.mu.Lock()
	cancel := i.cancel
	i.cancel = nil
	i.metrics = nil
	i.awaiting = false
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	i.report(err)
	i.rest()
}

func (i *Interaction) report(err error) {
	vErr := WrapError(err, CodeOf(err))
	if vErr == nil {
		return
	}
	RecordError(vErr, "interaction")
	i.logger.LogError(vErr)
	i.engine.SetError(vErr)
	for _, h := range i.errHandlers.snapshot() {
		h(vErr)
	}
}

func (i *Interaction) currentTurn(gen uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return gen == i.turn
}

// rest returns to ready once greeted, idle otherwise.
func (i *Interaction) rest() {
	i.mu.Lock()
	to := StateIdle
	if i.greeted {
		to = StateReady
	}
	i.mu.Unlock()
	i.setState(to)
}

func (i *Interaction) setStateIf(gen uint64, to VoiceButtonState) {
	if i.currentTurn(gen) {
		i.setState(to)
	}
}

func (i *Interaction) setState(to VoiceButtonState) {
	i.mu.Lock()
	from := i.state
	i.state = to
	i.mu.Unlock()
	if from == to {
		return
	}

	stateTransitions.WithLabelValues(string(to)).Inc()
	i.logger.LogStateEvent(from, to, nil)
	i.engine.SetState(to)
	for _, h := range i.stateHandlers.snapshot() {
		h(from, to)
	}
}

// Subscribe registers a state change handler.
func (i *Interaction) Subscribe(h StateChangeHandler) func() {
	return i.stateHandlers.add(h)
}

func (i *Interaction) OnError(h ErrorHandler) func() {
	return i.errHandlers.add(h)
}

// OnTranscript is called with each accepted transcript.
func (i *Interaction) OnTranscript(h func(string)) func() {
	return i.transcripts.add(h)
}

// OnReply is called with each reply before it is spoken.
func (i *Interaction) OnReply(h func(string)) func() {
	return i.replies.add(h)
}

// Close cancels any turn in flight and detaches from the engine.
func (i *Interaction) Close() {
	i.Cancel()
	i.closeFn()
	for _, unsub := range i.unsubs {
		unsub()
	}
}
