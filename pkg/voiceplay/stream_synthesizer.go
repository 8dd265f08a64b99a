package voiceplay

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Messages exchanged with a streaming speech server.
const (
	MsgSynthesize = "synthesize"
	MsgTTSAudio   = "tts_audio"
	MsgTTSDone    = "tts_done"
	MsgError      = "error"
)

// StreamRequest asks the server to speak Text.
type StreamRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Text string `json:"text"`
}

// StreamMessage is one server message. Audio is base64 in AudioData.
type StreamMessage struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	SegmentID      string `json:"segment_id,omitempty"`
	SentenceNumber int    `json:"sentence_number,omitempty"`
	AudioData      string `json:"audio_data,omitempty"`
	Format         string `json:"format,omitempty"`
	SampleRate     int    `json:"sample_rate,omitempty"`
	Message        string `json:"message,omitempty"`
}

// StreamSynthesizer speaks through a websocket server that answers with a
// sequence of audio chunks.
type StreamSynthesizer struct {
	endpoint       string
	tokens         TokenSource
	headers        http.Header
	maxAttempts    int
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *Logger
}

type StreamSynthesizerOption func(*StreamSynthesizer)

// WithTokenSource authenticates each connection with a bearer token.
func WithTokenSource(ts TokenSource) StreamSynthesizerOption {
	return func(s *StreamSynthesizer) { s.tokens = ts }
}

func WithStreamHeader(key, value string) StreamSynthesizerOption {
	return func(s *StreamSynthesizer) { s.headers.Set(key, value) }
}

// WithReconnect sets connection attempts and the delay between them.
func WithReconnect(attempts int, delay time.Duration) StreamSynthesizerOption {
	return func(s *StreamSynthesizer) {
		s.maxAttempts = attempts
		s.reconnectDelay = delay
	}
}

func NewStreamSynthesizer(endpoint string, opts ...StreamSynthesizerOption) *StreamSynthesizer {
	s := &StreamSynthesizer{
		endpoint:       endpoint,
		headers:        make(http.Header),
		maxAttempts:    3,
		reconnectDelay: time.Second,
		dialer:         websocket.DefaultDialer,
		logger:         GetGlobalLogger().WithComponent("StreamSynthesizer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	return s
}

// NewStreamSynthesizerFromConfig wires token auth from cfg.
func NewStreamSynthesizerFromConfig(cfg *Config) *StreamSynthesizer {
	var opts []StreamSynthesizerOption
	if cfg.UseTokenAuth {
		switch {
		case cfg.TokenEndpoint != "":
			opts = append(opts, WithTokenSource(NewTokenManager(cfg.TokenEndpoint, nil, cfg.TokenRefreshBuf)))
		case cfg.StreamSecret != "":
			opts = append(opts, WithTokenSource(SecretTokenSource{Secret: cfg.StreamSecret, Subject: "voiceplay", TTL: cfg.TokenTTL}))
		}
	}
	return NewStreamSynthesizer(cfg.StreamEndpoint, opts...)
}

func (s *StreamSynthesizer) Synthesize(ctx context.Context, text string) (*Speech, error) {
	if err := ValidateSynthesisText(text); err != nil {
		return nil, err
	}
	conn, err := s.connectWithRetry(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if err := conn.WriteJSON(StreamRequest{Type: MsgSynthesize, ID: id, Text: text}); err != nil {
		conn.Close()
		return nil, WrapError(err, ErrCodeWebSocket)
	}

	chunks := make(chan []byte, 8)
	go s.readLoop(ctx, conn, id, chunks)
	return &Speech{ID: id, Text: text, Chunks: chunks}, nil
}

func (s *StreamSynthesizer) connectWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		conn, err := s.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == s.maxAttempts {
			break
		}
		s.logger.WithError(err).WithField("attempt", attempt).Debug("Connection attempt failed, retrying")
		select {
		case <-time.After(s.reconnectDelay):
		case <-ctx.Done():
			return nil, WrapError(ctx.Err(), ErrCodeCancelled)
		}
	}
	return nil, WrapError(fmt.Errorf("failed to connect after %d attempts: %w", s.maxAttempts, lastErr), ErrCodeWebSocket)
}

func (s *StreamSynthesizer) dial(ctx context.Context) (*websocket.Conn, error) {
	header := s.headers.Clone()
	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, header)
	return conn, err
}

func (s *StreamSynthesizer) readLoop(ctx context.Context, conn *websocket.Conn, id string, out chan<- []byte) {
	defer close(out)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	seen := make(map[string]bool)
	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				s.logger.WithError(err).Debug("Stream closed")
			}
			return
		}
		if msg.ID != "" && msg.ID != id {
			continue
		}

		switch msg.Type {
		case MsgTTSAudio:
			key := fmt.Sprintf("%s-%d", msg.SegmentID, msg.SentenceNumber)
			if seen[key] {
				s.logger.WithField("segment", key).Debug("Duplicate audio segment, skipping")
				continue
			}
			seen[key] = true

			audio, err := base64.StdEncoding.DecodeString(msg.AudioData)
			if err != nil {
				s.logger.WithError(err).WithField("segment", key).Warn("Undecodable audio segment")
				continue
			}
			select {
			case out <- audio:
			case <-ctx.Done():
				return
			}
		case MsgTTSDone:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case MsgError:
			s.logger.WithField("message", msg.Message).Warn("Server reported synthesis error")
			return
		}
	}
}
