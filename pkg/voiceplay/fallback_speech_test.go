package voiceplay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSelectVoice(t *testing.T) {
	voices := []Voice{
		{Name: "Samantha", Lang: "en-US"},
		{Name: "Joana", Lang: "pt_PT"},
		{Name: "Luciana", Lang: "pt-BR"},
	}
	tests := []struct {
		locale string
		want   string
	}{
		{"pt-BR", "Luciana"},
		{"PT_br", "Luciana"},
		{"pt-AO", "Joana"},
		{"en", "Samantha"},
		{"ja-JP", "Samantha"},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			got := SelectVoice(voices, tt.locale)
			if got == nil || got.Name != tt.want {
				t.Fatalf("SelectVoice(%q) = %v, want %s", tt.locale, got, tt.want)
			}
		})
	}
	if SelectVoice(nil, "pt-BR") != nil {
		t.Fatalf("voice selected from an empty list")
	}
}

func TestFallbackSpeaker_Unavailable(t *testing.T) {
	f := NewFallbackSpeaker(&fakeSpeechPlatform{}, false, 0, NopLogger())
	if f.Available() {
		t.Fatalf("unavailable platform reported available")
	}
	if _, err := f.Speak("olá", "pt-BR"); !errors.Is(err, ErrSynthesis) {
		t.Fatalf("err = %v, want synthesis failure", err)
	}

	if NewFallbackSpeaker(nil, false, 0, NopLogger()).Available() {
		t.Fatalf("nil platform reported available")
	}
}

func TestFallbackSpeaker_SpeakAndWait(t *testing.T) {
	p := &fakeSpeechPlatform{available: true, voices: []Voice{{Name: "Luciana", Lang: "pt-BR"}}}
	f := NewFallbackSpeaker(p, false, 0, NopLogger())
	var started, ended atomic.Int32
	f.OnStart(func() { started.Add(1) })
	f.OnEnd(func() { ended.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.SpeakAndWait(ctx, "olá mundo", "pt-BR"); err != nil {
		t.Fatalf("SpeakAndWait: %v", err)
	}
	if started.Load() != 1 {
		t.Fatalf("started %d times", started.Load())
	}
	eventually(t, func() bool { return ended.Load() == 1 }, "end handler")
	if got := p.texts(); len(got) != 1 || got[0] != "olá mundo" {
		t.Fatalf("spoken = %q", got)
	}
	if p.cancels != 1 {
		t.Fatalf("queue not cleared before speaking")
	}
	if f.Speaking() {
		t.Fatalf("still speaking after end")
	}
}

func TestFallbackSpeaker_PrimesTouchPlatforms(t *testing.T) {
	p := &fakeSpeechPlatform{available: true}
	f := NewFallbackSpeaker(p, true, 0, NopLogger())
	done, err := f.Speak("oi", "pt-BR")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	<-done
	got := p.texts()
	if len(got) != 2 || got[0] != "" || got[1] != "oi" {
		t.Fatalf("spoken = %q, want priming utterance first", got)
	}
}

func TestFallbackSpeaker_PlatformErrors(t *testing.T) {
	p := &fakeSpeechPlatform{available: true, fail: errors.New("synthesis-failed")}
	f := NewFallbackSpeaker(p, false, 0, NopLogger())
	done, err := f.Speak("oi", "pt-BR")
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrSynthesis) {
		t.Fatalf("done = %v, want synthesis failure", err)
	}

	p.fail = ErrCancelled
	done, _ = f.Speak("oi", "pt-BR")
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("done = %v, want cancelled", err)
	}
}

func TestFallbackSpeaker_LoadVoices(t *testing.T) {
	p := &fakeSpeechPlatform{available: true}
	f := NewFallbackSpeaker(p, false, 30*time.Millisecond, NopLogger())

	start := time.Now()
	if v := f.LoadVoices(context.Background()); len(v) != 0 {
		t.Fatalf("voices = %v, want none", v)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("LoadVoices returned before the timeout")
	}

	f = NewFallbackSpeaker(p, false, 5*time.Second, NopLogger())
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.setVoices([]Voice{{Name: "Luciana", Lang: "pt-BR"}})
	}()
	v := f.LoadVoices(context.Background())
	if len(v) != 1 || v[0].Name != "Luciana" {
		t.Fatalf("voices = %v", v)
	}
}
