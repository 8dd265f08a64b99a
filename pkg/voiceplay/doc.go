// Package voiceplay is the client-side audio engine of a voice assistant:
// gesture-gated playback unlock, ordered playback of streamed speech,
// word-level karaoke sync, platform speech fallback and the voice button
// state machine that ties them to the microphone.
//
// # Overview
//
// One Engine is built per session and shared by every consumer:
//   - UnlockGate keeps playback locked until the first user gesture
//   - Player owns the single output Context and plays complete buffers
//   - StreamQueue plays streamed chunks strictly in arrival order
//   - Synchronizer keeps the highlighted word in step with playback
//   - FallbackSpeaker narrates replies with the OS voice when audio fails
//   - Interaction drives idle → recording → processing → speaking
//
// # Quick Start
//
//	cfg, err := voiceplay.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine, err := voiceplay.NewEngine(voiceplay.EngineOptions{Config: cfg})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	engine.Subscribe(voiceplay.CreateLoggingSnapshotHandler(false))
//
//	// Any key press, click or tap in the host UI is a gesture.
//	engine.Gestures().Fire(voiceplay.GestureClick)
//
//	data, _ := voiceplay.LoadAudioFile("reply.mp3")
//	if err := engine.Play(data); err != nil {
//		log.Fatal(err)
//	}
//
// Play called before the first gesture is not lost: the latest request is
// kept and played once the gate unlocks. Only the most recent deferred
// request survives.
//
// # Gestures and Unlock
//
// Warmup must run synchronously inside the gesture handler. The returned
// state settles later on the engine's Dispatcher:
//
//	hub := engine.Gestures()
//	onKey := func() { hub.Fire(voiceplay.GestureTouchEnd) }
//
// # Streaming
//
// Chunks from a streaming synthesizer are queued and played back to back:
//
//	speech, err := synth.Synthesize(ctx, "Olá mundo")
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine.PlaySpeech(ctx, speech)
//
// # Karaoke
//
// A Speech with Words drives Snapshot.CurrentWordIndex. Between two words
// the index stays on the earlier one; before the first word it is -1.
//
// # Configuration
//
// Config is read from VOICEPLAY_* environment variables after an optional
// .env file:
//
//	VOICEPLAY_SAMPLE_RATE=24000
//	VOICEPLAY_FALLBACK_LOCALE=pt-BR
//	VOICEPLAY_MIN_RECORDING_DURATION=500ms
//	VOICEPLAY_OPENAI_API_KEY=sk-...
//
// # Threading
//
// Engine callbacks (chunk ends, unlock settlement, deferred retries) run on
// one Dispatcher goroutine in order. Handlers must not block it. Public
// methods are safe for concurrent use.
//
// # Dependencies
//
// The package depends on:
//   - github.com/gordonklaus/portaudio: audio output and capture
//   - github.com/gopxl/beep: decoding (wav, mp3) and WAV encoding
//   - github.com/sashabaranov/go-openai: transcription, replies and speech
//   - github.com/gorilla/websocket: streaming speech transport
//   - github.com/golang-jwt/jwt/v4: stream tokens
//   - github.com/rs/zerolog: structured logging
//   - github.com/prometheus/client_golang: metrics
//   - github.com/kelseyhightower/envconfig, github.com/joho/godotenv: config
package voiceplay
