package voiceplay

import (
	"context"
	"sync"
	"testing"
	"time"
)

type engineRig struct {
	t        *testing.T
	sink     *ManualSink
	engine   *Engine
	progress *ManualTicks
	poll     *ManualTicks
	frames   *ManualTicks

	mu    sync.Mutex
	ended []PlaybackResult
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.SampleRate = testRate
	cfg.TouchPlatform = "false"
	return cfg
}

func newEngineRig(t *testing.T) *engineRig {
	t.Helper()
	r := &engineRig{
		t:        t,
		sink:     NewManualSink(testRate, testBlock),
		progress: NewManualTicks(),
		poll:     NewManualTicks(),
		frames:   NewManualTicks(),
	}
	e, err := NewEngine(EngineOptions{
		Config:        testConfig(),
		Sink:          r.sink,
		Decoder:       NewBeepDecoder(testRate),
		Logger:        NopLogger(),
		ProgressTicks: r.progress,
		PollTicks:     r.poll,
		FrameTicks:    r.frames,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r.engine = e
	e.OnPlaybackEnded(func(res PlaybackResult) {
		r.mu.Lock()
		r.ended = append(r.ended, res)
		r.mu.Unlock()
	})
	t.Cleanup(func() { e.Close() })
	return r
}

func (r *engineRig) unlock() {
	r.t.Helper()
	r.engine.Gestures().Fire(GestureClick)
	eventually(r.t, r.engine.Unlocked, "engine unlocked")
	r.engine.Dispatcher().Sync()
}

func (r *engineRig) advance(d time.Duration) {
	blocks := int(d.Seconds()*testRate) / testBlock
	for i := 0; i < blocks; i++ {
		r.sink.Render(testBlock)
		r.engine.Dispatcher().Sync()
	}
}

func (r *engineRig) endedResults() []PlaybackResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PlaybackResult(nil), r.ended...)
}

func TestEngine_PlayBeforeUnlockKeepsLatestRequest(t *testing.T) {
	r := newEngineRig(t)

	if err := r.engine.Play(pcmChunk(1)); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := r.engine.Play(pcmChunk(0.25)); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if !r.engine.Snapshot().Pending {
		t.Fatalf("snapshot not pending before unlock")
	}
	if r.engine.Player().Current() != nil {
		t.Fatalf("audio started before unlock")
	}

	r.unlock()

	cur := r.engine.Player().Current()
	if cur == nil {
		t.Fatalf("deferred request not retried on unlock")
	}
	if !approx(cur.Duration(), 0.25, 0.001) {
		t.Fatalf("retried duration = %v, want the latest request (0.25)", cur.Duration())
	}
	if r.engine.Snapshot().Pending {
		t.Fatalf("snapshot still pending after retry")
	}

	r.advance(300 * time.Millisecond)
	res := r.endedResults()
	if len(res) != 1 || !res[0].Played || res[0].Err != nil {
		t.Fatalf("ended results = %+v", res)
	}
}

func TestEngine_KaraokeSnapshot(t *testing.T) {
	r := newEngineRig(t)
	r.unlock()

	if err := r.engine.PlayWithWords(pcmChunk(1), olaMundo); err != nil {
		t.Fatalf("PlayWithWords: %v", err)
	}
	if got := r.engine.Snapshot().CurrentWordIndex; got != -1 {
		t.Fatalf("index before playback = %d, want -1", got)
	}

	r.advance(600 * time.Millisecond)
	if !r.poll.Tick(time.Now()) {
		t.Fatalf("karaoke poll not running")
	}
	if !r.frames.Tick(time.Now()) {
		t.Fatalf("karaoke frame loop not running")
	}

	s := r.engine.Snapshot()
	if s.CurrentWordIndex != 1 {
		t.Fatalf("word index = %d, want 1", s.CurrentWordIndex)
	}
	if !s.Playing || !approx(s.CurrentTime, 0.6, 0.011) {
		t.Fatalf("snapshot = %+v", s)
	}
	if !approx(s.Progress, 60, 1.1) {
		t.Fatalf("progress = %v, want ~60", s.Progress)
	}
}

func TestEngine_StreamedSpeechEndsOnce(t *testing.T) {
	r := newEngineRig(t)
	r.unlock()

	chunks := make(chan []byte, 3)
	chunks <- pcmChunk(0.25)
	chunks <- pcmChunk(0.25)
	close(chunks)

	if err := r.engine.PlaySpeech(context.Background(), &Speech{ID: "s1", Chunks: chunks}); err != nil {
		t.Fatalf("PlaySpeech: %v", err)
	}
	eventually(t, func() bool { return r.engine.Queue().Active() }, "queue active")
	r.engine.Dispatcher().Sync()

	r.advance(600 * time.Millisecond)
	eventually(t, func() bool { return len(r.endedResults()) == 1 }, "stream ended")

	res := r.endedResults()[0]
	if res.ID != "s1" || !res.Played {
		t.Fatalf("result = %+v", res)
	}
	if s := r.engine.Snapshot(); s.Playing || s.Progress != 100 {
		t.Fatalf("snapshot after stream = %+v", s)
	}
	time.Sleep(10 * time.Millisecond)
	if n := len(r.endedResults()); n != 1 {
		t.Fatalf("ended reported %d times", n)
	}
}

func TestEngine_StopClearsEverything(t *testing.T) {
	r := newEngineRig(t)

	r.engine.Enqueue(pcmChunk(1))
	if !r.engine.Snapshot().Pending {
		t.Fatalf("held chunk not pending")
	}
	r.engine.Stop()
	if r.engine.Snapshot().Pending {
		t.Fatalf("pending survived Stop")
	}

	r.unlock()
	if r.engine.Queue().Active() || r.engine.Player().Current() != nil {
		t.Fatalf("stopped request played after unlock")
	}

	r.engine.Enqueue(pcmChunk(1))
	r.engine.Enqueue(pcmChunk(1))
	r.engine.Dispatcher().Sync()
	r.advance(200 * time.Millisecond)
	r.engine.Stop()
	r.engine.Dispatcher().Sync()

	s := r.engine.Snapshot()
	if s.Playing || s.Progress != 0 {
		t.Fatalf("snapshot after stop = %+v", s)
	}
	if r.engine.Queue().Pending() != 0 {
		t.Fatalf("queued chunk survived Stop")
	}
	if n := len(r.endedResults()); n != 0 {
		t.Fatalf("stop reported %d playback ends", n)
	}
}

func TestEngine_DecodeFailureIsReported(t *testing.T) {
	r := newEngineRig(t)
	r.unlock()

	var got []*VoiceError
	r.engine.OnError(func(err *VoiceError) { got = append(got, err) })

	err := r.engine.Play([]byte("garbage"))
	if !IsErrorCode(err, ErrCodeDecode) {
		t.Fatalf("err = %v, want decode failure", err)
	}
	if len(got) != 1 {
		t.Fatalf("error handlers called %d times", len(got))
	}
	if r.engine.Snapshot().Error == "" {
		t.Fatalf("snapshot carries no error")
	}
	if r.engine.Busy() {
		t.Fatalf("engine busy after failed play")
	}
}

func TestEngine_SubscribersDoNotClobber(t *testing.T) {
	r := newEngineRig(t)
	var a, b int
	unsubA := r.engine.Subscribe(func(Snapshot) { a++ })
	r.engine.Subscribe(func(Snapshot) { b++ })

	r.engine.SetState(StateRecording)
	unsubA()
	r.engine.SetState(StateProcessing)

	if a != 1 || b != 2 {
		t.Fatalf("a=%d b=%d, want 1 and 2", a, b)
	}
	if r.engine.Snapshot().State != StateProcessing {
		t.Fatalf("state = %v", r.engine.Snapshot().State)
	}
}

var umDoisTresQuatro = []WordTiming{
	{Word: "um", Start: 0.0, End: 0.4},
	{Word: "dois", Start: 0.5, End: 0.9},
	{Word: "três", Start: 1.1, End: 1.5},
	{Word: "quatro", Start: 1.6, End: 1.9},
}

func (r *engineRig) streamOpen() bool {
	r.engine.mu.Lock()
	defer r.engine.mu.Unlock()
	return r.engine.streamOpen
}

func (r *engineRig) sendChunk(chunks chan<- []byte, data []byte) {
	r.t.Helper()
	chunks <- data
	eventually(r.t, func() bool { return r.engine.Queue().Active() }, "chunk queued")
	r.engine.Dispatcher().Sync()
}

func TestEngine_StreamUnderrunKeepsKaraokeOnTrack(t *testing.T) {
	r := newEngineRig(t)
	r.unlock()

	chunks := make(chan []byte)
	speech := &Speech{ID: "s2", Chunks: chunks, Words: umDoisTresQuatro}
	if err := r.engine.PlaySpeech(context.Background(), speech); err != nil {
		t.Fatalf("PlaySpeech: %v", err)
	}

	r.sendChunk(chunks, pcmChunk(1))
	r.advance(300 * time.Millisecond)
	if !r.poll.Tick(time.Now()) || !r.frames.Tick(time.Now()) {
		t.Fatalf("karaoke loops not running")
	}
	if got := r.engine.Snapshot().CurrentWordIndex; got != 0 {
		t.Fatalf("index at 0.3s = %d, want 0", got)
	}

	// the first chunk runs out before the synthesizer sends the next one
	r.advance(800 * time.Millisecond)
	if r.engine.Queue().Active() {
		t.Fatalf("queue should be waiting for the next chunk")
	}
	if r.engine.Queue().Ended() {
		t.Fatalf("open stream reported ended on underrun")
	}
	if !r.frames.Tick(time.Now()) {
		t.Fatalf("frame loop not running at underrun")
	}
	s := r.engine.Snapshot()
	if s.CurrentWordIndex == len(umDoisTresQuatro)-1 {
		t.Fatalf("underrun jumped to the final word: %+v", s)
	}
	if !approx(s.CurrentTime, 1.0, 0.02) {
		t.Fatalf("time at underrun = %v, want 1.0", s.CurrentTime)
	}
	if n := len(r.endedResults()); n != 0 {
		t.Fatalf("underrun ended the utterance (%d results)", n)
	}

	r.sendChunk(chunks, pcmChunk(1))
	r.advance(300 * time.Millisecond)
	if !r.poll.Tick(time.Now()) || !r.frames.Tick(time.Now()) {
		t.Fatalf("karaoke did not resume tracking")
	}
	s = r.engine.Snapshot()
	if s.CurrentWordIndex != 2 {
		t.Fatalf("index 0.3s into the second chunk = %d, want 2", s.CurrentWordIndex)
	}
	if !approx(s.CurrentTime, 1.3, 0.02) {
		t.Fatalf("utterance time = %v, want 1.3", s.CurrentTime)
	}

	close(chunks)
	eventually(t, func() bool { return !r.streamOpen() }, "stream closed")
	r.advance(800 * time.Millisecond)
	eventually(t, func() bool { return len(r.endedResults()) == 1 }, "stream ended")

	if res := r.endedResults()[0]; res.ID != "s2" || !res.Played {
		t.Fatalf("result = %+v", res)
	}
	if got := r.engine.Snapshot().CurrentWordIndex; got != len(umDoisTresQuatro)-1 {
		t.Fatalf("index after end = %d, want last word", got)
	}
}

func TestEngine_StopDropsChunksOfStoppedSpeech(t *testing.T) {
	r := newEngineRig(t)
	r.unlock()

	var started int
	r.engine.Queue().Subscribe(func(ev QueueEvent) {
		if ev.Kind == ChunkStarted {
			started++
		}
	})

	chunks := make(chan []byte)
	if err := r.engine.PlaySpeech(context.Background(), &Speech{ID: "s3", Chunks: chunks}); err != nil {
		t.Fatalf("PlaySpeech: %v", err)
	}
	r.sendChunk(chunks, pcmChunk(0.5))

	r.engine.mu.Lock()
	gen := r.engine.gen
	r.engine.mu.Unlock()

	r.engine.Stop()
	r.engine.Dispatcher().Sync()

	if r.engine.enqueue(gen, pcmChunk(0.5)) {
		t.Fatalf("chunk of a stopped utterance was accepted")
	}
	chunks <- pcmChunk(0.5)
	close(chunks)
	time.Sleep(10 * time.Millisecond)
	r.engine.Dispatcher().Sync()
	r.advance(600 * time.Millisecond)

	if r.engine.Busy() || r.engine.Queue().Active() || r.engine.Player().Current() != nil {
		t.Fatalf("stopped speech kept playing")
	}
	if started != 1 {
		t.Fatalf("chunks started = %d, want only the one before Stop", started)
	}
	if n := len(r.endedResults()); n != 0 {
		t.Fatalf("stopped speech reported %d playback ends", n)
	}
}
