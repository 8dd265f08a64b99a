package voiceplay

import (
	"context"
	"math"
	"sync"
	"time"
)

// QueueEventKind names a playback queue milestone.
type QueueEventKind string

const (
	ChunkStarted QueueEventKind = "started"
	ChunkEnded   QueueEventKind = "ended"
	ChunkFailed  QueueEventKind = "failed"
	QueueDrained QueueEventKind = "drained"
	QueueStopped QueueEventKind = "stopped"
)

// QueueEvent reports a chunk lifecycle step. Index counts chunks of the
// current utterance: since the queue last went idle, or since Hold.
type QueueEvent struct {
	Kind     QueueEventKind
	Index    int
	Duration float64
	Err      *VoiceError
}

type QueueEventHandler func(QueueEvent)

// StreamQueue plays audio chunks strictly in arrival order through a Player.
// All progression happens on the dispatcher.
type StreamQueue struct {
	player     *Player
	dispatcher *Dispatcher
	ticks      TickSource
	logger     *Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	queue      [][]byte
	draining   bool
	generation uint64
	index      int
	rate       float64
	current    *Source
	progress   *Task
	elapsed    float64
	ended      bool
	held       bool

	events     listeners[QueueEventHandler]
	onProgress listeners[ProgressHandler]
	onError    listeners[ErrorHandler]
}

// NewStreamQueue creates an idle queue. progressTicks drives progress
// reports; nil means every 100ms.
func NewStreamQueue(player *Player, dispatcher *Dispatcher, progressTicks TickSource, logger *Logger) *StreamQueue {
	if progressTicks == nil {
		progressTicks = Interval(100 * time.Millisecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamQueue{
		player:     player,
		dispatcher: dispatcher,
		ticks:      progressTicks,
		logger:     loggerOr(logger, "StreamQueue"),
		baseCtx:    ctx,
		cancel:     cancel,
		rate:       1,
	}
}

// Enqueue appends a chunk and starts draining when idle. The queue takes
// ownership of data.
func (q *StreamQueue) Enqueue(data []byte) {
	q.mu.Lock()
	q.queue = append(q.queue, data)
	start := !q.draining
	if start {
		q.draining = true
		if !q.held {
			q.index = 0
			q.elapsed = 0
		}
		q.ended = false
	}
	gen := q.generation
	pending := len(q.queue)
	q.mu.Unlock()

	q.logger.LogAudioEvent("chunk_enqueued", map[string]interface{}{
		"bytes":   len(data),
		"pending": pending,
	})
	if start {
		q.dispatcher.Post(func() { q.drain(gen) })
	}
}

func (q *StreamQueue) drain(gen uint64) {
	for {
		q.mu.Lock()
		if gen != q.generation {
			q.mu.Unlock()
			return
		}
		if len(q.queue) == 0 {
			q.draining = false
			q.current = nil
			held := q.held
			q.ended = !held
			task := q.progress
			q.progress = nil
			q.mu.Unlock()

			task.Cancel()
			if held {
				q.logger.Debug("Queue underrun, utterance still open")
			} else {
				q.logger.Debug("Queue drained")
			}
			q.emit(QueueEvent{Kind: QueueDrained, Index: -1})
			return
		}
		data := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		idx := q.index
		q.index++
		rate := q.rate
		q.mu.Unlock()

		buf, err := q.player.Decode(data)
		if err != nil {
			vErr := WrapError(err, ErrCodeDecode)
			q.logger.WithError(err).WithField("chunk", idx).Warn("Skipping undecodable chunk")
			q.fail(idx, vErr)
			continue
		}

		q.mu.Lock()
		if gen != q.generation {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		duration := buf.Seconds()
		src, err := q.player.PlayDecoded(buf, rate, func() { q.chunkEnded(gen, idx, duration) })
		if err != nil {
			q.logger.WithError(err).WithField("chunk", idx).Warn("Chunk failed to start")
			q.fail(idx, WrapError(err, ErrCodePlayback))
			continue
		}

		q.mu.Lock()
		if gen != q.generation {
			// stopped while the source was starting
			q.mu.Unlock()
			src.Stop()
			return
		}
		q.current = src
		q.progress = Schedule(q.baseCtx, q.ticks, func(time.Time) bool {
			q.dispatcher.Post(func() { q.reportProgress(gen, src) })
			return true
		})
		q.mu.Unlock()

		q.emit(QueueEvent{Kind: ChunkStarted, Index: idx, Duration: duration})
		return
	}
}

func (q *StreamQueue) chunkEnded(gen uint64, idx int, duration float64) {
	q.mu.Lock()
	if gen != q.generation {
		q.mu.Unlock()
		return
	}
	q.current = nil
	q.elapsed += duration
	task := q.progress
	q.progress = nil
	q.mu.Unlock()

	task.Cancel()
	q.emitProgress(100, duration)
	q.emit(QueueEvent{Kind: ChunkEnded, Index: idx, Duration: duration})
	q.drain(gen)
}

func (q *StreamQueue) fail(idx int, err *VoiceError) {
	RecordError(err, "stream_queue")
	q.emit(QueueEvent{Kind: ChunkFailed, Index: idx, Err: err})
	for _, h := range q.onError.snapshot() {
		h(err)
	}
}

// reportProgress runs on the dispatcher for the chunk src of generation gen.
func (q *StreamQueue) reportProgress(gen uint64, src *Source) {
	q.mu.Lock()
	stale := gen != q.generation || q.current != src
	q.mu.Unlock()
	if stale {
		return
	}
	duration := src.Duration()
	if duration <= 0 {
		return
	}
	pct := math.Min(src.Position()/duration, 1) * 100
	q.emitProgress(pct, duration)
}

// Hold keeps the current utterance open across underruns: the clock and the
// chunk index carry over to later chunks and Ended stays false until Release.
func (q *StreamQueue) Hold() {
	q.mu.Lock()
	if !q.held && !q.draining {
		q.index = 0
		q.elapsed = 0
		q.ended = false
	}
	q.held = true
	q.mu.Unlock()
}

// Release closes the utterance opened by Hold. An idle queue ends at once.
func (q *StreamQueue) Release() {
	q.mu.Lock()
	q.held = false
	if !q.draining {
		q.ended = true
	}
	q.mu.Unlock()
}

// Stop silences the active chunk, discards every queued chunk and reports a
// final (0, 0) progress.
func (q *StreamQueue) Stop() {
	q.mu.Lock()
	q.generation++
	dropped := len(q.queue)
	q.queue = nil
	q.draining = false
	cur := q.current
	q.current = nil
	task := q.progress
	q.progress = nil
	q.elapsed = 0
	q.ended = false
	q.held = false
	q.index = 0
	q.mu.Unlock()

	task.Cancel()
	if cur != nil {
		cur.Stop()
	}
	if dropped > 0 {
		droppedChunks.Add(float64(dropped))
		q.logger.WithField("dropped", dropped).Debug("Discarded queued chunks")
	}
	q.emitProgress(0, 0)
	q.emit(QueueEvent{Kind: QueueStopped, Index: -1})
}

// Pause suspends the shared context. A started chunk cannot pause on its
// own; freezing the clock defers its end.
func (q *StreamQueue) Pause() error {
	return q.player.Pause()
}

func (q *StreamQueue) Resume() error {
	return q.player.Resume()
}

// SetPlaybackRate applies to the active chunk and every later one.
func (q *StreamQueue) SetPlaybackRate(rate float64) {
	if rate <= 0 {
		return
	}
	q.mu.Lock()
	q.rate = rate
	cur := q.current
	q.mu.Unlock()
	if cur != nil {
		cur.SetPlaybackRate(rate)
	}
}

func (q *StreamQueue) PlaybackRate() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rate
}

// Pending is the number of chunks not yet started.
func (q *StreamQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Active reports whether the queue is draining.
func (q *StreamQueue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// CurrentTime is seconds into the utterance across chunks.
func (q *StreamQueue) CurrentTime() float64 {
	q.mu.Lock()
	elapsed, cur := q.elapsed, q.current
	q.mu.Unlock()
	if cur != nil {
		return elapsed + cur.Position()
	}
	return elapsed
}

// Duration covers chunks started so far; later chunks are not yet known.
func (q *StreamQueue) Duration() float64 {
	q.mu.Lock()
	elapsed, cur := q.elapsed, q.current
	q.mu.Unlock()
	if cur != nil {
		return elapsed + cur.Duration()
	}
	return elapsed
}

// Paused is true while idle, which includes an underrun of a held utterance.
func (q *StreamQueue) Paused() bool {
	q.mu.Lock()
	draining, cur := q.draining, q.current
	q.mu.Unlock()
	if !draining {
		return true
	}
	if cur == nil {
		return false
	}
	return q.player.Paused()
}

func (q *StreamQueue) Ended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ended
}

// Subscribe registers a chunk lifecycle handler.
func (q *StreamQueue) Subscribe(h QueueEventHandler) func() {
	return q.events.add(h)
}

func (q *StreamQueue) OnProgress(h ProgressHandler) func() {
	return q.onProgress.add(h)
}

func (q *StreamQueue) OnError(h ErrorHandler) func() {
	return q.onError.add(h)
}

func (q *StreamQueue) emit(ev QueueEvent) {
	for _, h := range q.events.snapshot() {
		h(ev)
	}
}

func (q *StreamQueue) emitProgress(pct, duration float64) {
	for _, h := range q.onProgress.snapshot() {
		h(pct, duration)
	}
}

// Close stops playback and any progress task.
func (q *StreamQueue) Close() {
	q.Stop()
	q.cancel()
}
