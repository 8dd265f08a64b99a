package voiceplay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"
)

// resampleQuality is beep's interpolation quality (1..64).
const resampleQuality = 4

// Buffer is decoded mono audio.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Seconds is the buffer length in seconds.
func (b *Buffer) Seconds() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.Seconds() * float64(time.Second))
}

// SilentBuffer returns d of silence at rate.
func SilentBuffer(rate int, d time.Duration) *Buffer {
	n := int(float64(rate) * d.Seconds())
	return &Buffer{Samples: make([]float32, n), SampleRate: rate}
}

// Decoder turns encoded bytes into a Buffer at the requested rate.
type Decoder interface {
	Decode(data []byte, sampleRate int) (*Buffer, error)
}

// AudioFormat is a sniffed container format.
type AudioFormat string

const (
	FormatWAV     AudioFormat = "wav"
	FormatMP3     AudioFormat = "mp3"
	FormatPCMF32  AudioFormat = "pcm_f32le"
	FormatUnknown AudioFormat = "unknown"
)

// SniffFormat inspects magic bytes. Headerless data whose length is a whole
// number of float32 samples is treated as pcm_f32le.
func SniffFormat(data []byte) AudioFormat {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	case len(data) >= 4 && (string(data[0:4]) == "OggS" || string(data[0:4]) == "fLaC" || string(data[0:4]) == "FORM"):
		return FormatUnknown
	case len(data) > 0 && len(data)%4 == 0:
		return FormatPCMF32
	}
	return FormatUnknown
}

// BeepDecoder decodes wav and mp3 with beep, and raw pcm_f32le at RawSampleRate.
type BeepDecoder struct {
	RawSampleRate int
}

func NewBeepDecoder(rawSampleRate int) *BeepDecoder {
	if rawSampleRate <= 0 {
		rawSampleRate = 24000
	}
	return &BeepDecoder{RawSampleRate: rawSampleRate}
}

func (d *BeepDecoder) Decode(data []byte, sampleRate int) (*Buffer, error) {
	if len(data) == 0 {
		return nil, NewDecodeError(0, errors.New("empty audio buffer"))
	}

	var (
		stream beep.Streamer
		format beep.Format
		closer io.Closer
	)

	switch SniffFormat(data) {
	case FormatWAV:
		s, f, err := wav.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, NewDecodeError(len(data), err)
		}
		stream, format, closer = s, f, s
	case FormatMP3:
		s, f, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
		if err != nil {
			return nil, NewDecodeError(len(data), err)
		}
		stream, format, closer = s, f, s
	case FormatPCMF32:
		samples, err := decodePCMF32(data)
		if err != nil {
			return nil, NewDecodeError(len(data), err)
		}
		stream = monoStreamer(samples)
		format = beep.Format{SampleRate: beep.SampleRate(d.RawSampleRate), NumChannels: 1, Precision: 4}
	default:
		return nil, NewDecodeError(len(data), errors.New("unrecognized audio format"))
	}
	if closer != nil {
		defer closer.Close()
	}

	if sampleRate > 0 && format.SampleRate != beep.SampleRate(sampleRate) {
		stream = beep.Resample(resampleQuality, format.SampleRate, beep.SampleRate(sampleRate), stream)
	} else {
		sampleRate = int(format.SampleRate)
	}

	samples, err := drainMono(stream)
	if err != nil {
		return nil, NewDecodeError(len(data), err)
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

func decodePCMF32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("pcm_f32le length %d is not a multiple of 4", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*4 : (i+1)*4])
		v := math.Float32frombits(bits)
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("pcm_f32le sample %d is not finite", i)
		}
		samples[i] = v
	}
	return samples, nil
}

// monoStreamer exposes mono samples as a beep stream.
func monoStreamer(samples []float32) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(out [][2]float64) (int, bool) {
		if pos >= len(samples) {
			return 0, false
		}
		n := copy2(out, samples[pos:])
		pos += n
		return n, true
	})
}

func copy2(out [][2]float64, in []float32) int {
	n := len(out)
	if len(in) < n {
		n = len(in)
	}
	for i := 0; i < n; i++ {
		v := float64(in[i])
		out[i] = [2]float64{v, v}
	}
	return n
}

func drainMono(s beep.Streamer) ([]float32, error) {
	var out []float32
	chunk := make([][2]float64, 1024)
	for {
		n, ok := s.Stream(chunk)
		for i := 0; i < n; i++ {
			out = append(out, float32((chunk[i][0]+chunk[i][1])/2))
		}
		if !ok {
			break
		}
	}
	if e, isErr := s.(interface{ Err() error }); isErr && e.Err() != nil {
		return nil, e.Err()
	}
	if len(out) == 0 {
		return nil, errors.New("audio decoded to zero samples")
	}
	return out, nil
}

// EncodeWAV writes mono samples as 16-bit PCM WAV.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	format := beep.Format{SampleRate: beep.SampleRate(sampleRate), NumChannels: 1, Precision: 2}
	w := &memWriteSeeker{}
	if err := wav.Encode(w, monoStreamer(samples), format); err != nil {
		return nil, err
	}
	return w.buf, nil
}

// EncodePCMF32 writes raw little-endian float32 samples.
func EncodePCMF32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// memWriteSeeker is the in-memory io.WriteSeeker wav.Encode needs to patch
// its header.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("negative seek position")
	}
	m.pos = int(next)
	return next, nil
}
