package voiceplay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPlayer_StopWhenIdleIsNoop(t *testing.T) {
	rig := newAudioRig(t)
	rig.player.Stop()
	rig.player.Stop()
	if rig.player.Current() != nil {
		t.Fatalf("idle player has a current source")
	}
}

func TestPlayer_SecondPlayReplacesFirst(t *testing.T) {
	rig := newAudioRig(t)
	var endedFirst, endedSecond int

	first, err := rig.player.PlayBuffer(pcmChunk(1), func() { endedFirst++ })
	if err != nil {
		t.Fatalf("PlayBuffer: %v", err)
	}
	rig.advance(100 * time.Millisecond)

	second, err := rig.player.PlayBuffer(pcmChunk(0.2), func() { endedSecond++ })
	if err != nil {
		t.Fatalf("PlayBuffer: %v", err)
	}
	if first.Playing() {
		t.Fatalf("first source still playing")
	}
	if rig.player.Context().Active() != second {
		t.Fatalf("second source is not the active one")
	}

	rig.advance(300 * time.Millisecond)
	if endedFirst != 0 {
		t.Fatalf("stopped source reported a natural end")
	}
	if endedSecond != 1 {
		t.Fatalf("second ended %d times, want 1", endedSecond)
	}
	if !rig.player.Ended() {
		t.Fatalf("player should report ended")
	}
}

func TestPlayer_StopSuppressesEndedCallback(t *testing.T) {
	rig := newAudioRig(t)
	ended := false
	if _, err := rig.player.PlayBuffer(pcmChunk(0.5), func() { ended = true }); err != nil {
		t.Fatalf("PlayBuffer: %v", err)
	}
	rig.advance(100 * time.Millisecond)
	rig.player.Stop()
	rig.advance(time.Second)
	if ended {
		t.Fatalf("onEnded ran after Stop")
	}
	if rig.player.Ended() {
		t.Fatalf("stopped playback reported as ended")
	}
}

func TestPlayer_PositionFollowsContextClock(t *testing.T) {
	rig := newAudioRig(t)
	if _, err := rig.player.PlayBuffer(pcmChunk(1), nil); err != nil {
		t.Fatalf("PlayBuffer: %v", err)
	}
	rig.advance(300 * time.Millisecond)
	if got := rig.player.CurrentTime(); !approx(got, 0.3, 0.011) {
		t.Fatalf("CurrentTime = %v, want 0.3", got)
	}
	if got := rig.player.Duration(); !approx(got, 1, 0.001) {
		t.Fatalf("Duration = %v, want 1", got)
	}

	if err := rig.player.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	rig.advance(300 * time.Millisecond)
	if got := rig.player.CurrentTime(); !approx(got, 0.3, 0.011) {
		t.Fatalf("CurrentTime moved while paused: %v", got)
	}
	if !rig.player.Paused() {
		t.Fatalf("player should report paused")
	}
}

func TestPlayer_DecodeFailure(t *testing.T) {
	rig := newAudioRig(t)
	_, err := rig.player.PlayBuffer([]byte("garbage"), nil)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want decode failure", err)
	}
	if rig.player.Current() != nil {
		t.Fatalf("failed decode left a current source")
	}
}

func TestPlayer_ClosedContextIsRecreated(t *testing.T) {
	rig := newAudioRig(t)
	first := rig.player.Context()
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rig.player.Context() == first {
		t.Fatalf("closed context reused")
	}
}

func TestPlayer_FetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.Write(pcmChunk(0.1))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	rig := newAudioRig(t)
	ctx := context.Background()

	data, err := rig.player.Fetch(ctx, srv.URL+"/ok")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(data) != len(pcmChunk(0.1)) {
		t.Fatalf("fetched %d bytes", len(data))
	}

	_, err = rig.player.Fetch(ctx, srv.URL+"/missing")
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("err = %v, want fetch failure", err)
	}
	var vErr *VoiceError
	errors.As(err, &vErr)
	if status, _ := vErr.GetDetail("status"); status != http.StatusNotFound {
		t.Fatalf("status detail = %v", status)
	}

	_, err = rig.player.PlayURL(ctx, "http://127.0.0.1:1/none", nil)
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("unreachable url err = %v, want fetch failure", err)
	}
}
