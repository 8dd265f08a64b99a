package voiceplay

import (
	"strings"
	"testing"
	"time"
)

func TestCreateStateChangeHandler(t *testing.T) {
	var got []string
	h := CreateStateChangeHandler(func(from, to VoiceButtonState) {
		got = append(got, string(from)+">"+string(to))
	})
	for _, s := range []VoiceButtonState{StateIdle, StateIdle, StateRecording, StateRecording, StateProcessing} {
		h(Snapshot{State: s})
	}
	if strings.Join(got, ",") != ">idle,idle>recording,recording>processing" {
		t.Fatalf("transitions = %v", got)
	}
}

func TestCreateKaraokePrinter(t *testing.T) {
	words := []WordTiming{{Word: "olá", Start: 0, End: 0.4}, {Word: "mundo", Start: 0.5, End: 0.9}}
	var lines []string
	h := CreateKaraokePrinter(func() []WordTiming { return words }, func(s string) { lines = append(lines, s) })
	h(KaraokeState{CurrentWordIndex: -1})
	h(KaraokeState{CurrentWordIndex: 0})
	h(KaraokeState{CurrentWordIndex: 0, CurrentTime: 0.2})
	h(KaraokeState{CurrentWordIndex: 1})
	want := []string{"olá mundo", "[olá] mundo", "olá [mundo]"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q", lines)
	}
}

func TestChainHandlers(t *testing.T) {
	n := 0
	ChainSnapshotHandlers(func(Snapshot) { n++ }, nil, func(Snapshot) { n++ })(Snapshot{})
	ChainErrorHandlers(nil, func(*VoiceError) { n++ })(ErrDecode)
	if n != 3 {
		t.Fatalf("handlers ran %d times", n)
	}
}

func TestAudioSilenceDetector(t *testing.T) {
	fired := 0
	h := CreateAudioSilenceDetector(0.01, 10*time.Millisecond, func() { fired++ })
	quiet := make([]float32, 80)

	h(quiet)
	time.Sleep(15 * time.Millisecond)
	h(quiet)
	if fired != 1 {
		t.Fatalf("fired %d times after silence", fired)
	}
	h(SineTone(440, testRate, 0.01, 0.5))
	h(quiet)
	if fired != 1 {
		t.Fatal("sound should reset the silence window")
	}
}

func TestAudioLevelBar(t *testing.T) {
	bar := CreateAudioLevelBar(10)
	if got := bar(0); got != "[          ]" {
		t.Fatalf("bar(0) = %q", got)
	}
	if got := bar(1); got != "[##########]" {
		t.Fatalf("bar(1) = %q", got)
	}
	var level float32
	CreateAudioVisualizerHandler(func(l float32) { level = l })([]float32{0.5, -0.5})
	if level != 0.5 {
		t.Fatalf("level = %v", level)
	}
}
