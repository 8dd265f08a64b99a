package voiceplay

import (
	"testing"
	"time"
)

const (
	testRate  = 8000
	testBlock = 80
)

// pcmChunk is seconds of raw pcm_f32le tone at testRate.
func pcmChunk(seconds float64) []byte {
	return EncodePCMF32(SineTone(440, testRate, seconds, 0.5))
}

// audioRig is a player on a ManualSink whose clock the test advances.
type audioRig struct {
	t          *testing.T
	sink       *ManualSink
	dispatcher *Dispatcher
	player     *Player
}

func newAudioRig(t *testing.T) *audioRig {
	t.Helper()
	d := NewDispatcher(NopLogger())
	sink := NewManualSink(testRate, testBlock)
	player := NewPlayer(func() *Context {
		return NewContext(sink, testRate, d, NopLogger())
	}, NewBeepDecoder(testRate), WithPlayerLogger(NopLogger()))
	r := &audioRig{t: t, sink: sink, dispatcher: d, player: player}
	t.Cleanup(func() {
		player.Close()
		d.Close()
	})
	return r
}

// advance renders d one block at a time and lets the dispatcher settle
// after each block, so ended callbacks start the next source before the
// following block.
func (r *audioRig) advance(d time.Duration) {
	blocks := int(d.Seconds()*testRate) / testBlock
	for i := 0; i < blocks; i++ {
		r.sink.Render(testBlock)
		r.dispatcher.Sync()
	}
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func approx(a, b, tol float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}
