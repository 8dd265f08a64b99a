package voiceplay

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable Config reads.
const EnvPrefix = "VOICEPLAY"

// Config holds engine, recorder and collaborator settings.
type Config struct {
	// Audio engine
	SampleRate     int `envconfig:"SAMPLE_RATE" default:"24000"`
	BufferSize     int `envconfig:"BUFFER_SIZE" default:"1024"`
	OutputDeviceID int `envconfig:"OUTPUT_DEVICE_ID" default:"-1"` // -1 = host default
	InputDeviceID  int `envconfig:"INPUT_DEVICE_ID" default:"-1"`

	// Playback and karaoke timing
	ProgressInterval    time.Duration `envconfig:"PROGRESS_INTERVAL" default:"100ms"`
	KaraokePollInterval time.Duration `envconfig:"KARAOKE_POLL_INTERVAL" default:"50ms"`
	KaraokeFPS          int           `envconfig:"KARAOKE_FPS" default:"60"`
	KaraokeTimeEpsilon  time.Duration `envconfig:"KARAOKE_TIME_EPSILON" default:"30ms"`

	// Recording guards
	MinRecordingDuration time.Duration `envconfig:"MIN_RECORDING_DURATION" default:"500ms"`
	MaxRecordingDuration time.Duration `envconfig:"MAX_RECORDING_DURATION" default:"60s"`
	MinRecordingSizeKB   float64       `envconfig:"MIN_RECORDING_SIZE_KB" default:"1"`

	// Fallback narration
	FallbackLocale string        `envconfig:"FALLBACK_LOCALE" default:"pt-BR"`
	VoicesTimeout  time.Duration `envconfig:"VOICES_TIMEOUT" default:"1s"`
	TouchPlatform  string        `envconfig:"TOUCH_PLATFORM" default:"auto"` // auto, true, false

	// OpenAI collaborators
	OpenAIAPIKey       string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL      string `envconfig:"OPENAI_BASE_URL"`
	OpenAITTSModel     string `envconfig:"OPENAI_TTS_MODEL" default:"tts-1"`
	OpenAIVoice        string `envconfig:"OPENAI_VOICE" default:"nova"`
	OpenAIChatModel    string `envconfig:"OPENAI_CHAT_MODEL" default:"gpt-4o-mini"`
	OpenAISystemPrompt string `envconfig:"OPENAI_SYSTEM_PROMPT" default:"You are a helpful voice assistant. Answer briefly."`
	MaxHistory         int    `envconfig:"MAX_HISTORY" default:"20"`
	KaraokeTimings     bool   `envconfig:"KARAOKE_TIMINGS" default:"true"`

	// Streaming synthesis transport
	StreamEndpoint  string        `envconfig:"STREAM_ENDPOINT"`
	TokenEndpoint   string        `envconfig:"TOKEN_ENDPOINT"`
	UseTokenAuth    bool          `envconfig:"USE_TOKEN_AUTH" default:"true"`
	StreamSecret    string        `envconfig:"STREAM_SECRET"`
	TokenTTL        time.Duration `envconfig:"TOKEN_TTL" default:"5m"`
	TokenRefreshBuf time.Duration `envconfig:"TOKEN_REFRESH_BUFFER" default:"60s"`

	// Observability
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty   bool   `envconfig:"LOG_PRETTY" default:"true"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

// DefaultConfig returns the built-in defaults without reading the environment.
func DefaultConfig() *Config {
	return &Config{
		SampleRate:           24000,
		BufferSize:           1024,
		OutputDeviceID:       -1,
		InputDeviceID:        -1,
		ProgressInterval:     100 * time.Millisecond,
		KaraokePollInterval:  50 * time.Millisecond,
		KaraokeFPS:           60,
		KaraokeTimeEpsilon:   30 * time.Millisecond,
		MinRecordingDuration: 500 * time.Millisecond,
		MaxRecordingDuration: 60 * time.Second,
		MinRecordingSizeKB:   1,
		FallbackLocale:       "pt-BR",
		VoicesTimeout:        time.Second,
		TouchPlatform:        "auto",
		OpenAITTSModel:       "tts-1",
		OpenAIVoice:          "nova",
		OpenAIChatModel:      "gpt-4o-mini",
		OpenAISystemPrompt:   "You are a helpful voice assistant. Answer briefly.",
		MaxHistory:           20,
		KaraokeTimings:       true,
		UseTokenAuth:         true,
		TokenTTL:             5 * time.Minute,
		TokenRefreshBuf:      60 * time.Second,
		LogLevel:             "info",
		LogPretty:            true,
	}
}

// LoadConfig reads an optional .env file, then VOICEPLAY_* variables.
func LoadConfig() (*Config, error) {
	// Load .env if exists
	_ = godotenv.Load()
	return LoadConfigFromEnv()
}

// LoadConfigFromEnv reads VOICEPLAY_* variables without touching .env.
func LoadConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, WrapError(fmt.Errorf("failed to load config: %w", err), ErrCodeConfigInvalid)
	}
	return &cfg, nil
}

// IsTouchPlatform resolves TouchPlatform. "auto" means a mobile GOOS.
func (c *Config) IsTouchPlatform() bool {
	switch strings.ToLower(c.TouchPlatform) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return runtime.GOOS == "ios" || runtime.GOOS == "android"
}

// RecordingLimits returns the recorder guard triple.
func (c *Config) RecordingLimits() RecordingLimits {
	return RecordingLimits{
		MinDuration: c.MinRecordingDuration,
		MaxDuration: c.MaxRecordingDuration,
		MinSizeKB:   c.MinRecordingSizeKB,
	}
}

// LogConfig builds the logger configuration.
func (c *Config) LogConfig() *LogConfig {
	lc := DefaultLogConfig()
	lc.Level = c.LogLevel
	lc.Pretty = c.LogPretty
	return lc
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		issues = append(issues, fmt.Sprintf("Invalid sample rate: %d", c.SampleRate))
	}
	if c.BufferSize <= 0 {
		issues = append(issues, fmt.Sprintf("Invalid buffer size: %d", c.BufferSize))
	}
	if c.ProgressInterval <= 0 {
		issues = append(issues, "Progress interval must be positive")
	}
	if c.KaraokePollInterval <= 0 {
		issues = append(issues, "Karaoke poll interval must be positive")
	}
	if c.KaraokeFPS <= 0 || c.KaraokeFPS > 240 {
		issues = append(issues, fmt.Sprintf("Invalid karaoke fps: %d", c.KaraokeFPS))
	}
	if c.MinRecordingDuration < 0 {
		issues = append(issues, "Minimum recording duration cannot be negative")
	}
	if c.MaxRecordingDuration <= c.MinRecordingDuration {
		issues = append(issues, "Maximum recording duration must exceed the minimum")
	}
	if c.MinRecordingSizeKB < 0 {
		issues = append(issues, "Minimum recording size cannot be negative")
	}

	if c.StreamEndpoint != "" && !strings.HasPrefix(c.StreamEndpoint, "ws") {
		issues = append(issues, "Invalid stream endpoint format")
	}
	if c.StreamEndpoint != "" && c.UseTokenAuth && c.TokenEndpoint == "" && c.StreamSecret == "" {
		issues = append(issues, "Token auth needs VOICEPLAY_TOKEN_ENDPOINT or VOICEPLAY_STREAM_SECRET")
	}

	validLevels := []string{"trace", "debug", "info", "warn", "warning", "error"}
	found := false
	for _, level := range validLevels {
		if level == strings.ToLower(c.LogLevel) {
			found = true
			break
		}
	}
	if !found {
		issues = append(issues, fmt.Sprintf("Invalid log level: %s", c.LogLevel))
	}

	return issues
}

// PrintConfig dumps the effective configuration to stdout.
func (c *Config) PrintConfig() {
	fmt.Println("🔊 VoicePlay Configuration")
	fmt.Println("==================================================")

	if c.OpenAIAPIKey != "" {
		fmt.Printf("OpenAI API Key: %s...\n", mask(c.OpenAIAPIKey))
	} else {
		fmt.Println("OpenAI API Key: NOT SET")
	}

	fmt.Printf("Sample Rate: %d Hz\n", c.SampleRate)
	fmt.Printf("Buffer Size: %d frames\n", c.BufferSize)
	fmt.Printf("Output Device: %s\n", deviceLabel(c.OutputDeviceID))
	fmt.Printf("Input Device: %s\n", deviceLabel(c.InputDeviceID))
	fmt.Printf("Progress Interval: %s\n", c.ProgressInterval)
	fmt.Printf("Karaoke Poll / FPS / Epsilon: %s / %d / %s\n", c.KaraokePollInterval, c.KaraokeFPS, c.KaraokeTimeEpsilon)
	fmt.Printf("Recording: min %s, max %s, min size %.1f KB\n", c.MinRecordingDuration, c.MaxRecordingDuration, c.MinRecordingSizeKB)
	fmt.Printf("Fallback Locale: %s (touch platform: %t)\n", c.FallbackLocale, c.IsTouchPlatform())
	fmt.Printf("TTS: %s / %s (karaoke timings: %t)\n", c.OpenAITTSModel, c.OpenAIVoice, c.KaraokeTimings)
	fmt.Printf("Chat Model: %s (history %d)\n", c.OpenAIChatModel, c.MaxHistory)
	if c.StreamEndpoint != "" {
		fmt.Printf("Stream Endpoint: %s (token auth: %t)\n", c.StreamEndpoint, c.UseTokenAuth)
	}
	fmt.Printf("Log Level: %s\n", c.LogLevel)
	if c.MetricsAddr != "" {
		fmt.Printf("Metrics: %s\n", c.MetricsAddr)
	}
}

func mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:8]
}

func deviceLabel(id int) string {
	if id < 0 {
		return "Default"
	}
	return fmt.Sprintf("#%d", id)
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
