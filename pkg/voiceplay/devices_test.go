package voiceplay

import (
	"strings"
	"testing"
)

func presetDevices() *DeviceManager {
	return &DeviceManager{
		logger: NopLogger(),
		devices: []AudioDevice{
			{ID: 0, Name: "Built-in Microphone", MaxInputChannels: 1, DefaultSampleRate: 48000, IsDefaultInput: true, HostAPI: "Core Audio"},
			{ID: 1, Name: "Built-in Output", MaxOutputChannels: 2, DefaultSampleRate: 48000, IsDefaultOutput: true, HostAPI: "Core Audio"},
			{ID: 2, Name: "USB Headset", MaxInputChannels: 1, MaxOutputChannels: 2, DefaultSampleRate: 16000, HostAPI: "Core Audio"},
		},
	}
}

func TestDeviceQueries(t *testing.T) {
	m := presetDevices()
	if n := len(m.InputDevices()); n != 2 {
		t.Fatalf("inputs = %d", n)
	}
	if n := len(m.OutputDevices()); n != 2 {
		t.Fatalf("outputs = %d", n)
	}
	out, err := m.DefaultOutputDevice()
	if err != nil || out.ID != 1 {
		t.Fatalf("default output = %+v, %v", out, err)
	}
	in, err := m.DefaultInputDevice()
	if err != nil || in.ID != 0 {
		t.Fatalf("default input = %+v, %v", in, err)
	}
	if _, err := m.DeviceByID(9); !IsErrorCode(err, ErrCodeAudioDevice) {
		t.Fatalf("missing device err = %v", err)
	}

	devices := m.Devices()
	devices[0].Name = "changed"
	if d, _ := m.DeviceByID(0); d.Name != "Built-in Microphone" {
		t.Fatal("Devices returned the internal slice")
	}
}

func TestValidateDevice(t *testing.T) {
	m := presetDevices()
	tests := []struct {
		id    int
		input bool
		ok    bool
	}{
		{0, true, true},
		{0, false, false},
		{1, true, false},
		{1, false, true},
		{2, true, true},
		{2, false, true},
		{7, false, false},
	}
	for _, tt := range tests {
		err := m.ValidateDevice(tt.id, tt.input, 24000)
		if (err == nil) != tt.ok {
			t.Fatalf("ValidateDevice(%d, input=%t) = %v", tt.id, tt.input, err)
		}
	}
}

func TestDeviceInfo(t *testing.T) {
	info, err := presetDevices().DeviceInfo(2)
	if err != nil {
		t.Fatalf("DeviceInfo: %v", err)
	}
	for _, want := range []string{"Device: USB Headset", "Default Sample Rate: 16000.0 Hz", "Capabilities: Input, Output"} {
		if !strings.Contains(info, want) {
			t.Fatalf("info missing %q:\n%s", want, info)
		}
	}
	if _, err := (&DeviceManager{logger: NopLogger()}).DefaultOutputDevice(); err == nil {
		t.Fatal("empty manager has no default output")
	}
}
