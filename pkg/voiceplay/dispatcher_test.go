package voiceplay

import (
	"testing"
)

func TestDispatcherRunsInOrder(t *testing.T) {
	d := NewDispatcher(NopLogger())
	defer d.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		d.Post(func() { got = append(got, i) })
	}
	d.Sync()
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
	if len(got) != 100 {
		t.Fatalf("ran %d", len(got))
	}
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	d := NewDispatcher(NopLogger())
	defer d.Close()

	d.Post(func() { panic("boom") })
	ran := false
	if !d.Do(func() { ran = true }) || !ran {
		t.Fatal("dispatcher stopped after a panic")
	}
}

func TestDispatcherClose(t *testing.T) {
	d := NewDispatcher(NopLogger())
	count := 0
	for i := 0; i < 5; i++ {
		d.Post(func() { count++ })
	}
	d.Close()
	if count != 5 {
		t.Fatalf("queued work dropped, ran %d", count)
	}
	if d.Post(func() {}) || d.Do(func() {}) {
		t.Fatal("closed dispatcher accepted work")
	}
	d.Close()
}
