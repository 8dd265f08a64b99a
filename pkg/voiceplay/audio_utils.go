package voiceplay

import (
	"math"
	"os"
)

// LoadAudioFile reads an encoded audio file for playback.
func LoadAudioFile(filePath string) ([]byte, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, NewFetchError(filePath, err)
	}
	return data, nil
}

// NormalizeAudio scales samples so the peak sits just below full scale.
func NormalizeAudio(samples []float32) []float32 {
	if len(samples) == 0 {
		return samples
	}

	maxAmp := float32(0)
	for _, sample := range samples {
		if abs := float32(math.Abs(float64(sample))); abs > maxAmp {
			maxAmp = abs
		}
	}
	if maxAmp == 0 {
		return samples
	}

	scale := float32(0.95) / maxAmp
	normalized := make([]float32, len(samples))
	for i, sample := range samples {
		normalized[i] = sample * scale
	}
	return normalized
}

func CalculateRMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// ApplyGain returns samples scaled by gainDb decibels.
func ApplyGain(samples []float32, gainDb float32) []float32 {
	if len(samples) == 0 {
		return samples
	}
	gain := float32(math.Pow(10, float64(gainDb)/20))
	result := make([]float32, len(samples))
	for i, sample := range samples {
		result[i] = sample * gain
	}
	return result
}

// SineTone generates a test tone, used by the device test.
func SineTone(freq float64, sampleRate int, seconds float64, amplitude float32) []float32 {
	n := int(float64(sampleRate) * seconds)
	out := make([]float32, n)
	for i := range out {
		out[i] = amplitude * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}
