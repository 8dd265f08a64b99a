package voiceplay

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// CreateLoggingSnapshotHandler logs every snapshot; verbose adds timing fields.
func CreateLoggingSnapshotHandler(verbose bool) SnapshotHandler {
	logger := GetGlobalLogger().WithComponent("Snapshot")
	return func(s Snapshot) {
		l := logger.WithField("state", s.State)
		if verbose {
			l = l.WithFields(map[string]interface{}{
				"progress":   math.Round(s.Progress),
				"word_index": s.CurrentWordIndex,
				"time":       s.CurrentTime,
				"duration":   s.Duration,
				"pending":    s.Pending,
			})
		}
		if s.Error != "" {
			l.WithField("error", s.Error).Warn("Snapshot")
			return
		}
		l.Debug("Snapshot")
	}
}

// CreateStateChangeHandler calls callback only when the state changes.
func CreateStateChangeHandler(callback func(from, to VoiceButtonState)) SnapshotHandler {
	var mu sync.Mutex
	last := VoiceButtonState("")
	return func(s Snapshot) {
		mu.Lock()
		prev := last
		last = s.State
		mu.Unlock()
		if prev != s.State && callback != nil {
			callback(prev, s.State)
		}
	}
}

// CreateKaraokePrinter renders the highlighted word in brackets on one line.
func CreateKaraokePrinter(words func() []WordTiming, write func(string)) KaraokeHandler {
	last := -2
	return func(k KaraokeState) {
		if k.CurrentWordIndex == last {
			return
		}
		last = k.CurrentWordIndex
		ws := words()
		parts := make([]string, len(ws))
		for i, w := range ws {
			if i == k.CurrentWordIndex {
				parts[i] = "[" + w.Word + "]"
			} else {
				parts[i] = w.Word
			}
		}
		write(strings.Join(parts, " "))
	}
}

func CreateErrorLoggingHandler(prefix string) ErrorHandler {
	logger := GetGlobalLogger().WithComponent(prefix)
	return func(err *VoiceError) {
		logger.LogError(err)
	}
}

// CreateAudioVisualizerHandler reports the RMS of each frame block.
func CreateAudioVisualizerHandler(callback func(float32)) AudioDataHandler {
	return func(data []float32) {
		if len(data) == 0 {
			return
		}
		rms := CalculateRMS(data)
		if callback != nil {
			callback(rms)
		}
	}
}

// CreateAudioLevelBar renders an amplitude as a fixed-width meter.
func CreateAudioLevelBar(width int) func(float32) string {
	return func(level float32) string {
		n := int(math.Min(float64(level)*float64(width)*4, float64(width)))
		return fmt.Sprintf("[%s%s]", strings.Repeat("#", n), strings.Repeat(" ", width-n))
	}
}

func CreateAudioSilenceDetector(threshold float32, silenceDuration time.Duration, callback func()) AudioDataHandler {
	var mu sync.Mutex
	var silenceStart time.Time

	return func(data []float32) {
		mu.Lock()
		defer mu.Unlock()

		if len(data) == 0 {
			return
		}
		if CalculateRMS(data) < threshold {
			if silenceStart.IsZero() {
				silenceStart = time.Now()
			} else if time.Since(silenceStart) >= silenceDuration {
				callback()
				silenceStart = time.Time{}
			}
		} else {
			silenceStart = time.Time{}
		}
	}
}

func ChainSnapshotHandlers(handlers ...SnapshotHandler) SnapshotHandler {
	return func(s Snapshot) {
		for _, h := range handlers {
			if h != nil {
				h(s)
			}
		}
	}
}

func ChainErrorHandlers(handlers ...ErrorHandler) ErrorHandler {
	return func(err *VoiceError) {
		for _, h := range handlers {
			if h != nil {
				h(err)
			}
		}
	}
}
