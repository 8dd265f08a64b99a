package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rojolang/voiceplay-sdk-go/pkg/voiceplay"
	"github.com/spf13/cobra"
)

var (
	verbose     bool
	metricsAddr string
	waitGesture bool
	wordsFile   string
	streaming   bool
	fallback    bool
	greeting    string
	testSeconds float64
	testInput   bool
	silenceStop time.Duration

	cfg *voiceplay.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "voiceplay",
		Short: "VoicePlay SDK Go CLI",
		Long:  "A command-line interface for the VoicePlay audio playback engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = voiceplay.LoadConfig()
			if err != nil {
				return err
			}
			if verbose {
				cfg.LogLevel = "debug"
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			voiceplay.SetGlobalLogger(voiceplay.NewLogger(cfg.LogConfig()))
			serveMetrics(cfg.MetricsAddr)
			return nil
		},
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&waitGesture, "wait-gesture", false, "Keep audio locked until Enter is pressed")

	rootCmd.AddCommand(playCmd())
	rootCmd.AddCommand(streamCmd())
	rootCmd.AddCommand(sayCmd())
	rootCmd.AddCommand(converseCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		voiceplay.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			voiceplay.GetGlobalLogger().WithError(err).Error("Metrics server stopped")
		}
	}()
	voiceplay.GetGlobalLogger().WithField("addr", addr).Info("Serving metrics")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newEngine builds an engine and, unless --wait-gesture is set, treats running
// the command as the unlocking gesture.
func newEngine() *voiceplay.Engine {
	engine, err := voiceplay.NewEngine(voiceplay.EngineOptions{Config: cfg})
	if err != nil {
		voiceplay.GetGlobalLogger().WithError(err).Fatal("Failed to start engine")
	}
	engine.OnError(voiceplay.CreateErrorLoggingHandler("Engine"))
	engine.Subscribe(voiceplay.ChainSnapshotHandlers(
		voiceplay.CreateLoggingSnapshotHandler(verbose),
		voiceplay.CreateStateChangeHandler(func(from, to voiceplay.VoiceButtonState) {
			voiceplay.GetGlobalLogger().WithComponent("CLI").LogStateEvent(from, to, nil)
		}),
	))
	if !waitGesture {
		engine.Gestures().Fire(voiceplay.GestureClick)
	}
	return engine
}

// gestureFromStdin fires a click for every line read until the engine unlocks.
func gestureFromStdin(engine *voiceplay.Engine) {
	if !waitGesture {
		return
	}
	fmt.Println("Audio is locked. Press Enter to enable playback.")
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for !engine.Unlocked() && sc.Scan() {
			engine.Gestures().Fire(voiceplay.GestureClick)
		}
	}()
}

func endedChannel(engine *voiceplay.Engine) <-chan voiceplay.PlaybackResult {
	ch := make(chan voiceplay.PlaybackResult, 1)
	engine.OnPlaybackEnded(func(r voiceplay.PlaybackResult) {
		select {
		case ch <- r:
		default:
		}
	})
	return ch
}

func waitForEnd(ctx context.Context, engine *voiceplay.Engine, ended <-chan voiceplay.PlaybackResult) error {
	select {
	case r := <-ended:
		if r.Err != nil {
			return r.Err
		}
		return nil
	case <-ctx.Done():
		engine.Stop()
		return ctx.Err()
	}
}

func printKaraoke(engine *voiceplay.Engine) func() {
	karaoke := engine.Synchronizer()
	return karaoke.Subscribe(voiceplay.CreateKaraokePrinter(karaoke.Words, func(line string) {
		fmt.Printf("\r\033[K%s", line)
	}))
}

func loadWords(path string) ([]voiceplay.WordTiming, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var words []voiceplay.WordTiming
	if err := json.Unmarshal(data, &words); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return words, nil
}

func playCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "play [file-or-url]",
		Aliases: []string{"karaoke"},
		Short:   "Play one audio buffer",
		Long:    "Decode and play a WAV, MP3 or raw float32 file, or an http(s) URL. With --words the matching word is highlighted as it is heard.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			words, err := loadWords(wordsFile)
			if err != nil {
				return err
			}

			engine := newEngine()
			defer engine.Close()
			ended := endedChannel(engine)
			if len(words) > 0 {
				defer printKaraoke(engine)()
			}

			source := args[0]
			if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
				err = engine.PlayURL(ctx, source)
			} else {
				var data []byte
				if data, err = voiceplay.LoadAudioFile(source); err == nil {
					err = engine.PlayWithWords(data, words)
				}
			}
			if err != nil {
				return err
			}
			gestureFromStdin(engine)

			if err := waitForEnd(ctx, engine, ended); err != nil {
				return err
			}
			fmt.Println("\nPlayback completed!")
			return nil
		},
	}
	cmd.Flags().StringVar(&wordsFile, "words", "", "JSON file with word timings [{\"word\",\"start\",\"end\"}]")
	return cmd
}

func streamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream [chunk-files...]",
		Short: "Play audio chunks back to back",
		Long:  "Queue each file as one chunk of a single stream and play them in order without overlap",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			engine := newEngine()
			defer engine.Close()
			ended := endedChannel(engine)

			chunks := make(chan []byte)
			speech := &voiceplay.Speech{ID: "cli-stream", Chunks: chunks}
			if err := engine.PlaySpeech(ctx, speech); err != nil {
				return err
			}
			engine.Queue().Subscribe(func(ev voiceplay.QueueEvent) {
				if ev.Kind == voiceplay.ChunkStarted {
					fmt.Printf("▶ chunk %d\n", ev.Index)
				}
			})
			gestureFromStdin(engine)

			go func() {
				defer close(chunks)
				for _, path := range args {
					data, err := voiceplay.LoadAudioFile(path)
					if err != nil {
						voiceplay.GetGlobalLogger().WithError(err).Warn("Skipping chunk")
						continue
					}
					select {
					case chunks <- data:
					case <-ctx.Done():
						return
					}
				}
			}()

			if err := waitForEnd(ctx, engine, ended); err != nil {
				return err
			}
			fmt.Println("Stream completed!")
			return nil
		},
	}
	return cmd
}

func newSynthesizer() (voiceplay.Synthesizer, error) {
	if cfg.StreamEndpoint != "" {
		return voiceplay.NewStreamSynthesizerFromConfig(cfg), nil
	}
	client, err := voiceplay.NewOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	return voiceplay.NewOpenAISynthesizer(client, cfg.OpenAITTSModel, cfg.OpenAIVoice,
		voiceplay.WithWordTimings(cfg.KaraokeTimings && !streaming),
		voiceplay.WithSentenceStreaming(streaming),
	), nil
}

func newFallback() *voiceplay.FallbackSpeaker {
	return voiceplay.NewFallbackSpeaker(
		voiceplay.NewCommandSpeechPlatform(nil),
		cfg.IsTouchPlatform(),
		cfg.VoicesTimeout,
		nil,
	)
}

func sayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "say [text]",
		Short: "Synthesize and speak text",
		Long:  "Synthesize text with the configured speech service and play it with karaoke highlighting. With --fallback the platform voice narrates when synthesis or playback fails.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			text := strings.Join(args, " ")

			speak := func(cause error) error {
				if !fallback {
					return cause
				}
				voiceplay.GetGlobalLogger().WithError(cause).Warn("Falling back to platform voice")
				return newFallback().SpeakAndWait(ctx, text, cfg.FallbackLocale)
			}

			synth, err := newSynthesizer()
			if err != nil {
				return speak(err)
			}
			speech, err := synth.Synthesize(ctx, text)
			if err != nil {
				return speak(err)
			}

			engine := newEngine()
			defer engine.Close()
			ended := endedChannel(engine)
			defer printKaraoke(engine)()

			if err := engine.PlaySpeech(ctx, speech); err != nil {
				if voiceplay.IsPlaybackFailure(err) {
					return speak(err)
				}
				return err
			}
			gestureFromStdin(engine)

			if err := waitForEnd(ctx, engine, ended); err != nil {
				if voiceplay.IsPlaybackFailure(err) {
					return speak(err)
				}
				return err
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().BoolVar(&streaming, "stream", false, "Synthesize sentence by sentence and stream the chunks")
	cmd.Flags().BoolVar(&fallback, "fallback", true, "Narrate with the platform voice if synthesis or playback fails")
	return cmd
}

func converseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "converse",
		Short: "Push-to-talk voice conversation",
		Long:  "Press Enter to start recording, Enter again to send. Enter while the assistant speaks interrupts it. Type c to cancel, q to quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := voiceplay.NewOpenAIClient(cfg)
			if err != nil {
				return err
			}
			synth, err := newSynthesizer()
			if err != nil {
				return err
			}

			// gestures come from the Enter key through Tap
			waitGesture = true
			engine := newEngine()
			defer engine.Close()

			capture := voiceplay.NewPortAudioCapture(cfg.SampleRate, cfg.BufferSize, cfg.InputDeviceID)
			recorder := voiceplay.NewRecorder(capture, cfg.RecordingLimits(), nil)
			levelBar := voiceplay.CreateAudioLevelBar(30)
			recorder.OnAudio(voiceplay.CreateAudioVisualizerHandler(func(level float32) {
				if verbose {
					fmt.Printf("\r🎤 %s", levelBar(level))
				}
			}))

			interaction, err := voiceplay.NewInteraction(voiceplay.InteractionOptions{
				Engine:      engine,
				Recorder:    recorder,
				Transcriber: voiceplay.NewOpenAITranscriber(client, cfg.FallbackLocale),
				Responder:   voiceplay.NewOpenAIResponder(client, cfg.OpenAIChatModel, cfg.OpenAISystemPrompt, cfg.MaxHistory),
				Synthesizer: synth,
				Fallback:    newFallback(),
				Locale:      cfg.FallbackLocale,
			})
			if err != nil {
				return err
			}
			defer interaction.Close()

			interaction.Subscribe(func(from, to voiceplay.VoiceButtonState) {
				fmt.Printf("\n[%s → %s]\n", from, to)
			})
			interaction.OnTranscript(func(text string) { fmt.Printf("You: %s\n", text) })
			interaction.OnReply(func(text string) { fmt.Printf("Assistant: %s\n", text) })
			interaction.OnError(voiceplay.ChainErrorHandlers(
				voiceplay.CreateErrorLoggingHandler("Interaction"),
				func(err *voiceplay.VoiceError) {
					if msg := voiceplay.UserMessage(err); msg != "" {
						fmt.Printf("⚠ %s\n", msg)
					}
				},
			))
			if silenceStop > 0 {
				// off the capture callback: stopping capture from inside it would block
				recorder.OnAudio(voiceplay.CreateAudioSilenceDetector(0.01, silenceStop, func() {
					engine.Dispatcher().Post(func() {
						if interaction.State() == voiceplay.StateRecording {
							_ = interaction.Tap()
						}
					})
				}))
			}

			fmt.Println("Press Enter to talk (c = cancel, q = quit)")
			lines := make(chan string)
			go func() {
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					lines <- strings.TrimSpace(sc.Text())
				}
				close(lines)
			}()

			greeted := greeting == ""
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok || line == "q" {
						return nil
					}
					if line == "c" {
						interaction.Cancel()
						continue
					}
					if !greeted {
						// the first key press unlocks audio and plays the greeting
						greeted = true
						engine.Warmup()
						if err := interaction.Greet(greeting); err != nil {
							fmt.Printf("⚠ %s\n", voiceplay.UserMessage(err))
						}
						continue
					}
					if err := interaction.Tap(); err != nil {
						voiceplay.GetGlobalLogger().WithError(err).Debug("Tap rejected")
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&greeting, "greet", "", "Greeting spoken on the first key press")
	cmd.Flags().DurationVar(&silenceStop, "silence-stop", 0, "Send the recording after this much silence (0 disables)")
	cmd.Flags().BoolVar(&streaming, "stream", false, "Stream replies sentence by sentence")
	return cmd
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Audio device management",
		Long:  "Commands for listing and testing audio devices",
	}
	cmd.AddCommand(devicesListCmd())
	cmd.AddCommand(devicesTestCmd())
	return cmd
}

func devicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := voiceplay.NewDeviceManager(nil)
			if err := manager.Initialize(); err != nil {
				return err
			}
			defer manager.Cleanup()

			fmt.Println("Available Audio Devices:")
			for _, device := range manager.Devices() {
				marker := ""
				if device.IsDefaultInput || device.IsDefaultOutput {
					marker = " (Default)"
				}
				capabilities := "None"
				switch {
				case device.IsInput() && device.IsOutput():
					capabilities = "Input/Output"
				case device.IsInput():
					capabilities = "Input"
				case device.IsOutput():
					capabilities = "Output"
				}
				fmt.Printf("  %d: %s%s - %s (%.0f Hz)\n",
					device.ID, device.Name, marker, capabilities, device.DefaultSampleRate)
			}
			return nil
		},
	}
}

func devicesTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test [device-id]",
		Short: "Test an audio device",
		Long:  "Play a 440Hz tone on an output device, or with --input measure the level on an input device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			deviceID := -1
			if len(args) == 1 {
				id, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid device ID %q", args[0])
				}
				deviceID = id
			}

			manager := voiceplay.NewDeviceManager(nil)
			if err := manager.Initialize(); err != nil {
				return err
			}
			defer manager.Cleanup()

			if deviceID >= 0 {
				info, err := manager.DeviceInfo(deviceID)
				if err != nil {
					return err
				}
				fmt.Print(info)
			}

			d := time.Duration(testSeconds * float64(time.Second))
			if testInput {
				fmt.Printf("Listening for %s...\n", d)
				rms, err := manager.TestInput(ctx, deviceID, cfg.SampleRate, d)
				if err != nil {
					return err
				}
				fmt.Printf("Level: %s (RMS %.4f)\n", voiceplay.CreateAudioLevelBar(30)(rms), rms)
				return nil
			}
			fmt.Printf("Playing a test tone for %s...\n", d)
			if err := manager.TestOutput(ctx, deviceID, cfg.SampleRate, d); err != nil {
				return err
			}
			fmt.Println("✓ Device test completed")
			return nil
		},
	}
	cmd.Flags().Float64VarP(&testSeconds, "duration", "d", 2.0, "Test duration in seconds")
	cmd.Flags().BoolVar(&testInput, "input", false, "Test an input device instead of an output device")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Long:  "Display the effective configuration and any validation issues",
		Run: func(cmd *cobra.Command, args []string) {
			cfg.PrintConfig()
			if issues := cfg.Validate(); len(issues) > 0 {
				fmt.Println("\nIssues:")
				for _, issue := range issues {
					fmt.Printf("  ✗ %s\n", issue)
				}
				return
			}
			fmt.Println("\n✓ Configuration is valid")
		},
	}
}
