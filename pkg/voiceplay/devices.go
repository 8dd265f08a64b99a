package voiceplay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// AudioDevice represents an audio device
type AudioDevice struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefaultInput    bool
	IsDefaultOutput   bool
	HostAPI           string
}

func (d AudioDevice) IsInput() bool  { return d.MaxInputChannels > 0 }
func (d AudioDevice) IsOutput() bool { return d.MaxOutputChannels > 0 }

// DeviceManager lists and probes host audio devices.
type DeviceManager struct {
	mu          sync.RWMutex
	devices     []AudioDevice
	initialized bool
	logger      *Logger
}

func NewDeviceManager(logger *Logger) *DeviceManager {
	return &DeviceManager{logger: loggerOr(logger, "DeviceManager")}
}

// Initialize initializes portaudio and loads the device list
func (m *DeviceManager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		if err := portaudio.Initialize(); err != nil {
			m.logger.WithError(err).Error("Failed to initialize PortAudio")
			return NewAudioDeviceError(fmt.Sprintf("failed to initialize portaudio: %v", err))
		}
		m.initialized = true
	}
	if err := m.refresh(); err != nil {
		m.logger.WithError(err).Error("Failed to refresh device list")
		return err
	}
	m.logger.WithField("device_count", len(m.devices)).Info("Device manager initialized")
	return nil
}

// Cleanup releases portaudio
func (m *DeviceManager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return
	}
	if err := portaudio.Terminate(); err != nil {
		m.logger.WithError(err).Error("Failed to terminate PortAudio")
	}
	m.initialized = false
}

func (m *DeviceManager) Refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh()
}

func (m *DeviceManager) refresh() error {
	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		m.logger.WithError(err).Warn("No default input device")
	}
	defaultOutput, err := portaudio.DefaultOutputDevice()
	if err != nil {
		m.logger.WithError(err).Warn("No default output device")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return NewAudioDeviceError(fmt.Sprintf("failed to list devices: %v", err))
	}

	m.devices = make([]AudioDevice, 0, len(devices))
	for i, dev := range devices {
		hostAPI := "Unknown"
		if dev.HostApi != nil {
			hostAPI = dev.HostApi.Name
		}
		m.devices = append(m.devices, AudioDevice{
			ID:                i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefaultInput:    defaultInput != nil && dev == defaultInput,
			IsDefaultOutput:   defaultOutput != nil && dev == defaultOutput,
			HostAPI:           hostAPI,
		})
	}
	return nil
}

// Devices returns a copy of the device list.
func (m *DeviceManager) Devices() []AudioDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AudioDevice, len(m.devices))
	copy(out, m.devices)
	return out
}

func (m *DeviceManager) InputDevices() []AudioDevice {
	return m.filter(AudioDevice.IsInput)
}

func (m *DeviceManager) OutputDevices() []AudioDevice {
	return m.filter(AudioDevice.IsOutput)
}

func (m *DeviceManager) filter(keep func(AudioDevice) bool) []AudioDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AudioDevice, 0)
	for _, d := range m.devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// DefaultOutputDevice returns the host default output device
func (m *DeviceManager) DefaultOutputDevice() (*AudioDevice, error) {
	for _, d := range m.OutputDevices() {
		if d.IsDefaultOutput {
			return &d, nil
		}
	}
	return nil, NewAudioDeviceError("no default output device found")
}

// DefaultInputDevice returns the host default input device
func (m *DeviceManager) DefaultInputDevice() (*AudioDevice, error) {
	for _, d := range m.InputDevices() {
		if d.IsDefaultInput {
			return &d, nil
		}
	}
	return nil, NewAudioDeviceError("no default input device found")
}

func (m *DeviceManager) DeviceByID(id int) (*AudioDevice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, NewAudioDeviceError(fmt.Sprintf("device with ID %d not found", id)).AddDetail("device_id", id)
}

// ValidateDevice checks that a device can carry a mono stream in the
// requested direction. A far-off sample rate only warns; portaudio resamples.
func (m *DeviceManager) ValidateDevice(id int, input bool, sampleRate int) error {
	d, err := m.DeviceByID(id)
	if err != nil {
		return err
	}
	if input && !d.IsInput() {
		return NewAudioDeviceError(fmt.Sprintf("device '%s' is not an input device", d.Name))
	}
	if !input && !d.IsOutput() {
		return NewAudioDeviceError(fmt.Sprintf("device '%s' is not an output device", d.Name))
	}

	if sampleRate > 0 && d.DefaultSampleRate > 0 {
		ratio := float64(sampleRate) / d.DefaultSampleRate
		if ratio < 0.5 || ratio > 2.0 {
			m.logger.WithFields(map[string]interface{}{
				"device_name":           d.Name,
				"device_sample_rate":    d.DefaultSampleRate,
				"requested_sample_rate": sampleRate,
			}).Warn("Sample rate significantly different from device default")
		}
	}
	return nil
}

// DeviceInfo formats a device for display.
func (m *DeviceManager) DeviceInfo(id int) (string, error) {
	d, err := m.DeviceByID(id)
	if err != nil {
		return "", err
	}

	var caps []string
	if d.IsInput() {
		caps = append(caps, "Input")
	}
	if d.IsOutput() {
		caps = append(caps, "Output")
	}
	if len(caps) == 0 {
		caps = append(caps, "None")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Device: %s\n", d.Name)
	fmt.Fprintf(&b, "  ID: %d\n", d.ID)
	fmt.Fprintf(&b, "  Host API: %s\n", d.HostAPI)
	fmt.Fprintf(&b, "  Input Channels: %d\n", d.MaxInputChannels)
	fmt.Fprintf(&b, "  Output Channels: %d\n", d.MaxOutputChannels)
	fmt.Fprintf(&b, "  Default Sample Rate: %.1f Hz\n", d.DefaultSampleRate)
	fmt.Fprintf(&b, "  Default: input=%v output=%v\n", d.IsDefaultInput, d.IsDefaultOutput)
	fmt.Fprintf(&b, "  Capabilities: %s\n", strings.Join(caps, ", "))
	return b.String(), nil
}

// TestOutput plays a short 440Hz tone through a fresh context on the device.
// deviceID -1 selects the host default.
func (m *DeviceManager) TestOutput(ctx context.Context, deviceID, sampleRate int, d time.Duration) error {
	if deviceID >= 0 {
		if err := m.ValidateDevice(deviceID, false, sampleRate); err != nil {
			return err
		}
	}
	m.logger.WithFields(map[string]interface{}{
		"device_id": deviceID,
		"duration":  d.Seconds(),
	}).Info("Testing output device")

	dispatcher := NewDispatcher(m.logger)
	defer dispatcher.Close()
	ac := NewContext(NewPortAudioSink(sampleRate, 1024, deviceID), sampleRate, dispatcher, m.logger)
	defer ac.Close()

	if err := ac.Resume(); err != nil {
		return err
	}
	done := make(chan struct{})
	src := ac.NewSource(&Buffer{
		Samples:    SineTone(440, sampleRate, d.Seconds(), 0.2),
		SampleRate: sampleRate,
	}, true)
	src.OnEnded(func(bool) { close(done) })
	if err := src.Start(); err != nil {
		return err
	}

	select {
	case <-done:
		m.logger.Info("Output test completed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestInput records from the device for d and returns the RMS level.
func (m *DeviceManager) TestInput(ctx context.Context, deviceID, sampleRate int, d time.Duration) (float32, error) {
	if deviceID >= 0 {
		if err := m.ValidateDevice(deviceID, true, sampleRate); err != nil {
			return 0, err
		}
	}
	rec := NewRecorder(NewPortAudioCapture(sampleRate, 1024, deviceID), RecordingLimits{}, m.logger)
	if err := rec.Start(nil); err != nil {
		return 0, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		rec.Cancel()
		return 0, ctx.Err()
	}

	clip, err := rec.Stop()
	if err != nil {
		return 0, err
	}
	level := CalculateRMS(clip.Samples)
	m.logger.WithField("rms", level).Info("Input test completed")
	return level, nil
}
