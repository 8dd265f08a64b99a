package voiceplay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// MaxSynthesisTextLength is the longest text accepted for synthesis.
const MaxSynthesisTextLength = 5000

// OpenAIVoices lists the accepted TTS voices; anything else falls back to nova.
var OpenAIVoices = []string{
	"alloy", "ash", "ballad", "coral", "echo",
	"fable", "onyx", "nova", "sage", "shimmer",
	"verse", "marin", "cedar",
}

// NewOpenAIClient builds a client from cfg.
func NewOpenAIClient(cfg *Config) (*openai.Client, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, NewConfigError("VOICEPLAY_OPENAI_API_KEY is required")
	}
	oc := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		oc.BaseURL = cfg.OpenAIBaseURL
	}
	return openai.NewClientWithConfig(oc), nil
}

// OpenAITranscriber is a Whisper speech-to-text collaborator.
type OpenAITranscriber struct {
	client   *openai.Client
	language string
	logger   *Logger
}

func NewOpenAITranscriber(client *openai.Client, language string) *OpenAITranscriber {
	return &OpenAITranscriber{
		client:   client,
		language: whisperLanguage(language),
		logger:   GetGlobalLogger().WithComponent("OpenAITranscriber"),
	}
}

// whisperLanguage reduces a locale like pt-BR to the ISO-639-1 code Whisper takes.
func whisperLanguage(locale string) string {
	lang, _, _ := strings.Cut(normalizeLocale(locale), "-")
	return lang
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "recording" + extensionFor(mimeType),
		Reader:   bytes.NewReader(audio),
		Language: t.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", WrapError(err, ErrCodeTranscription)
	}
	text := strings.TrimSpace(resp.Text)
	t.logger.WithField("chars", len(text)).Debug("Transcription received")
	return text, nil
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"):
		return ".m4a"
	}
	return ".wav"
}

// OpenAIResponder answers with a chat model and keeps a bounded history.
type OpenAIResponder struct {
	client     *openai.Client
	model      string
	system     string
	maxHistory int
	logger     *Logger

	mu      sync.Mutex
	history []openai.ChatCompletionMessage
}

func NewOpenAIResponder(client *openai.Client, model, systemPrompt string, maxHistory int) *OpenAIResponder {
	if maxHistory <= 0 {
		maxHistory = 20
	}
	return &OpenAIResponder{
		client:     client,
		model:      model,
		system:     systemPrompt,
		maxHistory: maxHistory,
		logger:     GetGlobalLogger().WithComponent("OpenAIResponder"),
	}
}

func (r *OpenAIResponder) Respond(ctx context.Context, transcript string) (string, error) {
	r.mu.Lock()
	r.addToHistory(openai.ChatMessageRoleUser, transcript)
	messages := make([]openai.ChatCompletionMessage, 0, len(r.history)+1)
	if r.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: r.system})
	}
	messages = append(messages, r.history...)
	r.mu.Unlock()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: messages,
	})
	if err != nil {
		return "", WrapError(err, ErrCodeResponse)
	}
	if len(resp.Choices) == 0 {
		return "", NewVoiceError("empty completion", ErrCodeResponse)
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)

	r.mu.Lock()
	r.addToHistory(openai.ChatMessageRoleAssistant, reply)
	r.mu.Unlock()
	return reply, nil
}

// addToHistory appends a message and trims the oldest ones. Caller holds r.mu.
func (r *OpenAIResponder) addToHistory(role, content string) {
	r.history = append(r.history, openai.ChatCompletionMessage{Role: role, Content: content})
	if len(r.history) > r.maxHistory {
		r.history = r.history[len(r.history)-r.maxHistory:]
	}
}

// History returns a copy of the conversation so far.
func (r *OpenAIResponder) History() []openai.ChatCompletionMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]openai.ChatCompletionMessage(nil), r.history...)
}

func (r *OpenAIResponder) ClearHistory() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}

// OpenAISynthesizer speaks text with OpenAI TTS. With timings enabled it
// transcribes its own output with word granularity for karaoke; in streaming
// mode it synthesizes sentence by sentence and yields chunks.
type OpenAISynthesizer struct {
	client    *openai.Client
	model     string
	voice     string
	speed     float64
	timings   bool
	streaming bool
	logger    *Logger
}

type OpenAISynthesizerOption func(*OpenAISynthesizer)

// WithWordTimings enables Whisper word timestamps on each utterance.
func WithWordTimings(enabled bool) OpenAISynthesizerOption {
	return func(s *OpenAISynthesizer) { s.timings = enabled }
}

// WithSentenceStreaming yields one chunk per sentence.
func WithSentenceStreaming(enabled bool) OpenAISynthesizerOption {
	return func(s *OpenAISynthesizer) { s.streaming = enabled }
}

func WithSpeed(speed float64) OpenAISynthesizerOption {
	return func(s *OpenAISynthesizer) { s.speed = speed }
}

func NewOpenAISynthesizer(client *openai.Client, model, voice string, opts ...OpenAISynthesizerOption) *OpenAISynthesizer {
	if !validVoice(voice) {
		voice = "nova"
	}
	s := &OpenAISynthesizer{
		client: client,
		model:  model,
		voice:  voice,
		speed:  1.0,
		logger: GetGlobalLogger().WithComponent("OpenAISynthesizer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validVoice(voice string) bool {
	for _, v := range OpenAIVoices {
		if v == voice {
			return true
		}
	}
	return false
}

// ValidateSynthesisText rejects empty and oversized text.
func ValidateSynthesisText(text string) error {
	if strings.TrimSpace(text) == "" {
		return NewValidationError("text is required")
	}
	if len([]rune(text)) > MaxSynthesisTextLength {
		return NewValidationError(fmt.Sprintf("text too long, maximum %d characters", MaxSynthesisTextLength))
	}
	return nil
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) (*Speech, error) {
	if err := ValidateSynthesisText(text); err != nil {
		return nil, err
	}
	id := uuid.NewString()

	if s.streaming {
		sentences := SplitSentences(text)
		chunks := make(chan []byte, len(sentences))
		go s.streamSentences(ctx, id, sentences, chunks)
		return &Speech{ID: id, Text: text, Chunks: chunks, MimeType: "audio/mpeg"}, nil
	}

	audio, err := s.speech(ctx, text)
	if err != nil {
		return nil, err
	}
	speech := &Speech{ID: id, Text: text, Audio: audio, MimeType: "audio/mpeg"}

	if s.timings {
		words, err := s.wordTimings(ctx, audio)
		if err != nil {
			// audio without timings still plays
			s.logger.WithError(err).Warn("Word timings unavailable, returning audio only")
		} else {
			speech.Words = words
		}
	}
	return speech, nil
}

func (s *OpenAISynthesizer) speech(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          s.speed,
	})
	if err != nil {
		return nil, NewSynthesisError(err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, NewSynthesisError(err)
	}
	if len(audio) == 0 {
		return nil, NewSynthesisError(errors.New("empty audio response"))
	}
	return audio, nil
}

func (s *OpenAISynthesizer) wordTimings(ctx context.Context, audio []byte) ([]WordTiming, error) {
	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "speech.mp3",
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		},
	})
	if err != nil {
		return nil, err
	}
	words := make([]WordTiming, 0, len(resp.Words))
	for _, w := range resp.Words {
		words = append(words, WordTiming{Word: w.Word, Start: w.Start, End: w.End})
	}
	s.logger.WithFields(map[string]interface{}{
		"words":    len(words),
		"duration": resp.Duration,
	}).Debug("Word timings received")
	return NormalizeWordTimings(words), nil
}

func (s *OpenAISynthesizer) streamSentences(ctx context.Context, id string, sentences []string, out chan<- []byte) {
	defer close(out)
	for i, sentence := range sentences {
		audio, err := s.speech(ctx, sentence)
		if err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"speech":   id,
				"sentence": i,
			}).Warn("Sentence synthesis failed, ending stream")
			return
		}
		select {
		case out <- audio:
		case <-ctx.Done():
			return
		}
	}
}

var sentenceRe = regexp.MustCompile(`[^\.!\?]*[\.!\?]+`)

// SplitSentences breaks text on sentence punctuation, keeping any trailing
// fragment as a final sentence.
func SplitSentences(text string) []string {
	var sentences []string
	rest := text
	for {
		loc := sentenceRe.FindStringIndex(rest)
		if loc == nil {
			break
		}
		if s := strings.TrimSpace(rest[:loc[1]]); s != "" {
			sentences = append(sentences, s)
		}
		rest = rest[loc[1]:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
