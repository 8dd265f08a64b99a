package voiceplay

import (
	"context"
	"testing"
	"time"
)

func TestScheduleStopsWhenCallbackDeclines(t *testing.T) {
	ticks := NewManualTicks()
	n := 0
	task := Schedule(context.Background(), ticks, func(time.Time) bool {
		n++
		return n < 2
	})
	if !ticks.Tick(time.Now()) || !ticks.Tick(time.Now()) {
		t.Fatal("ticks not taken")
	}
	<-task.Done()
	if ticks.Tick(time.Now()) {
		t.Fatal("finished task took a tick")
	}
	if n != 2 {
		t.Fatalf("callback ran %d times", n)
	}
}

func TestScheduleCancel(t *testing.T) {
	ticks := NewManualTicks()
	task := Schedule(context.Background(), ticks, func(time.Time) bool { return true })
	task.Stop()
	task.Cancel()
	if ticks.Tick(time.Now()) {
		t.Fatal("stopped task took a tick")
	}

	ctx, cancel := context.WithCancel(context.Background())
	task = Schedule(ctx, NewManualTicks(), func(time.Time) bool { return true })
	cancel()
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("context cancel did not end the task")
	}
	var nilTask *Task
	nilTask.Stop()
}

func TestIntervalTicks(t *testing.T) {
	fired := make(chan struct{}, 1)
	task := Schedule(context.Background(), Interval(5*time.Millisecond), func(time.Time) bool {
		fired <- struct{}{}
		return false
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("interval never fired")
	}
	task.Stop()
	if Frames(0).String() != "frames(16.666666ms)" {
		t.Fatalf("Frames(0) = %s", Frames(0))
	}
}
