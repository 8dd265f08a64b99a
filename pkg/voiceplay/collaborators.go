package voiceplay

import "context"

// Transcriber turns a recorded clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Responder produces the assistant's reply to a transcript.
type Responder interface {
	Respond(ctx context.Context, transcript string) (string, error)
}

// Synthesizer produces speech for text, either as one buffer (optionally
// with word timings) or as a stream of chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Speech, error)
}

type TranscriberFunc func(ctx context.Context, audio []byte, mimeType string) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f(ctx, audio, mimeType)
}

type ResponderFunc func(ctx context.Context, transcript string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, transcript string) (string, error) {
	return f(ctx, transcript)
}

type SynthesizerFunc func(ctx context.Context, text string) (*Speech, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) (*Speech, error) {
	return f(ctx, text)
}
