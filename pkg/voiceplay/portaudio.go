package voiceplay

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// openStream opens a mono stream on the host default device, or on deviceID
// when it is non-negative.
func openStream(input bool, deviceID, sampleRate, bufferSize int, callback func([]float32)) (*portaudio.Stream, error) {
	if deviceID < 0 {
		if input {
			return portaudio.OpenDefaultStream(1, 0, float64(sampleRate), bufferSize, callback)
		}
		return portaudio.OpenDefaultStream(0, 1, float64(sampleRate), bufferSize, callback)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if deviceID >= len(devices) {
		return nil, fmt.Errorf("device with ID %d not found", deviceID)
	}
	dev := devices[deviceID]

	var params portaudio.StreamParameters
	if input {
		params = portaudio.HighLatencyParameters(dev, nil)
		params.Input.Channels = 1
	} else {
		params = portaudio.HighLatencyParameters(nil, dev)
		params.Output.Channels = 1
	}
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = bufferSize
	return portaudio.OpenStream(params, callback)
}

// PortAudioSink plays the engine mix on an output device.
type PortAudioSink struct {
	sampleRate int
	bufferSize int
	deviceID   int

	mu          sync.Mutex
	stream      *portaudio.Stream
	initialized bool
	logger      *Logger
}

func NewPortAudioSink(sampleRate, bufferSize, deviceID int) *PortAudioSink {
	return &PortAudioSink{
		sampleRate: sampleRate,
		bufferSize: bufferSize,
		deviceID:   deviceID,
		logger:     GetGlobalLogger().WithComponent("PortAudioSink"),
	}
}

func (s *PortAudioSink) Start(render RenderFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return s.stream.Start()
	}
	if !s.initialized {
		if err := portaudio.Initialize(); err != nil {
			return NewAudioDeviceError(fmt.Sprintf("failed to initialize portaudio: %v", err))
		}
		s.initialized = true
	}

	stream, err := openStream(false, s.deviceID, s.sampleRate, s.bufferSize, func(out []float32) {
		// the device buffer is reused between callbacks
		for i := range out {
			out[i] = 0
		}
		render(out)
	})
	if err != nil {
		return NewAudioDeviceError(fmt.Sprintf("failed to open playback stream: %v", err))
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return NewAudioDeviceError(fmt.Sprintf("failed to start playback stream: %v", err))
	}
	s.stream = stream

	s.logger.WithFields(map[string]interface{}{
		"sample_rate": s.sampleRate,
		"buffer_size": s.bufferSize,
		"device_id":   s.deviceID,
	}).Info("Playback stream started")
	return nil
}

func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	return s.stream.Stop()
}

func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			s.logger.WithError(err).Debug("Playback stream stop failed")
		}
		if err := s.stream.Close(); err != nil {
			firstErr = err
		}
		s.stream = nil
	}
	if s.initialized {
		if err := portaudio.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.initialized = false
	}
	return firstErr
}

// PortAudioCapture records mono frames from an input device.
type PortAudioCapture struct {
	sampleRate int
	bufferSize int
	deviceID   int

	mu     sync.Mutex
	stream *portaudio.Stream
	logger *Logger
}

func NewPortAudioCapture(sampleRate, bufferSize, deviceID int) *PortAudioCapture {
	return &PortAudioCapture{
		sampleRate: sampleRate,
		bufferSize: bufferSize,
		deviceID:   deviceID,
		logger:     GetGlobalLogger().WithComponent("PortAudioCapture"),
	}
}

func (c *PortAudioCapture) SampleRate() int { return c.sampleRate }

func (c *PortAudioCapture) Start(onFrames func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return NewAudioDeviceError("already recording")
	}
	if err := portaudio.Initialize(); err != nil {
		return NewAudioDeviceError(fmt.Sprintf("failed to initialize portaudio: %v", err))
	}

	stream, err := openStream(true, c.deviceID, c.sampleRate, c.bufferSize, func(in []float32) {
		frames := make([]float32, len(in))
		copy(frames, in)
		onFrames(frames)
	})
	if err != nil {
		portaudio.Terminate()
		return NewAudioDeviceError(fmt.Sprintf("failed to open recording stream: %v", err))
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return NewAudioDeviceError(fmt.Sprintf("failed to start recording stream: %v", err))
	}
	c.stream = stream
	c.logger.Debug("Recording stream started")
	return nil
}

func (c *PortAudioCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return nil
	}
	if err := c.stream.Stop(); err != nil {
		c.logger.WithError(err).Warn("Recording stream stop failed")
	}
	err := c.stream.Close()
	c.stream = nil
	portaudio.Terminate()
	c.logger.Debug("Recording stream stopped")
	return err
}
