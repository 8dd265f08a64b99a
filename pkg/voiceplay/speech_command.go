package voiceplay

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

const voiceListTimeout = 5 * time.Second

// CommandSpeechPlatform speaks through the host's TTS command: say on macOS,
// espeak-ng on Linux and SAPI through PowerShell on Windows.
type CommandSpeechPlatform struct {
	goos   string
	binary string
	logger *Logger

	mu      sync.Mutex
	voices  []Voice
	queue   []*Utterance
	running bool
	cmd     *exec.Cmd
	paused  bool
	gen     uint64

	changed listeners[func()]
}

// NewCommandSpeechPlatform starts loading the voice list in the background.
func NewCommandSpeechPlatform(logger *Logger) *CommandSpeechPlatform {
	p := &CommandSpeechPlatform{
		goos:   runtime.GOOS,
		logger: loggerOr(logger, "SpeechPlatform"),
	}
	p.binary = p.findBinary()
	if p.binary != "" {
		go p.loadVoices()
	}
	return p
}

func (p *CommandSpeechPlatform) findBinary() string {
	var candidates []string
	switch p.goos {
	case "darwin":
		candidates = []string{"say"}
	case "windows":
		candidates = []string{"powershell", "pwsh"}
	default:
		candidates = []string{"espeak-ng", "espeak"}
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func (p *CommandSpeechPlatform) Available() bool {
	return p.binary != ""
}

func (p *CommandSpeechPlatform) Voices() []Voice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Voice(nil), p.voices...)
}

func (p *CommandSpeechPlatform) OnVoicesChanged(fn func()) func() {
	return p.changed.add(fn)
}

func (p *CommandSpeechPlatform) loadVoices() {
	ctx, cancel := context.WithTimeout(context.Background(), voiceListTimeout)
	defer cancel()

	var (
		out []byte
		err error
	)
	switch p.goos {
	case "darwin":
		out, err = exec.CommandContext(ctx, p.binary, "-v", "?").Output()
	case "windows":
		script := `Add-Type -AssemblyName System.Speech; ` +
			`(New-Object System.Speech.Synthesis.SpeechSynthesizer).GetInstalledVoices() | ` +
			`ForEach-Object { $_.VoiceInfo.Name + '|' + $_.VoiceInfo.Culture.Name }`
		out, err = exec.CommandContext(ctx, p.binary, "-NoProfile", "-Command", script).Output()
	default:
		out, err = exec.CommandContext(ctx, p.binary, "--voices").Output()
	}
	if err != nil {
		p.logger.WithError(err).Warn("Failed to list platform voices")
		return
	}

	var voices []Voice
	switch p.goos {
	case "darwin":
		voices = ParseSayVoices(string(out))
	case "windows":
		voices = parsePipeVoices(string(out))
	default:
		voices = ParseEspeakVoices(string(out))
	}

	p.mu.Lock()
	p.voices = voices
	p.mu.Unlock()

	p.logger.WithField("voices", len(voices)).Debug("Platform voices loaded")
	for _, fn := range p.changed.snapshot() {
		fn()
	}
}

// ParseSayVoices parses `say -v ?` output:
//
//	Alex                en_US    # Most people recognize me by my voice.
func ParseSayVoices(out string) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		lang := fields[len(fields)-1]
		name := strings.Join(fields[:len(fields)-1], " ")
		voices = append(voices, Voice{Name: name, Lang: strings.ReplaceAll(lang, "_", "-")})
	}
	return voices
}

// ParseEspeakVoices parses `espeak-ng --voices` output:
//
//	Pty Language       Age/Gender VoiceName          File                 Other Languages
//	 5  pt-br           --/M      Portuguese_(Brazil) roa/pt-BR
func ParseEspeakVoices(out string) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}
		voices = append(voices, Voice{Name: fields[3], Lang: fields[1]})
	}
	return voices
}

func parsePipeVoices(out string) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		name, lang, ok := strings.Cut(strings.TrimSpace(sc.Text()), "|")
		if !ok || name == "" {
			continue
		}
		voices = append(voices, Voice{Name: name, Lang: lang})
	}
	return voices
}

func (p *CommandSpeechPlatform) Speak(u *Utterance) error {
	if !p.Available() {
		return fmt.Errorf("no speech command found for %s", p.goos)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, u)
	if !p.running {
		p.running = true
		go p.worker()
	}
	return nil
}

func (p *CommandSpeechPlatform) worker() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		u := p.queue[0]
		p.queue = p.queue[1:]
		gen := p.gen
		p.mu.Unlock()

		p.run(u, gen)
	}
}

func (p *CommandSpeechPlatform) run(u *Utterance, gen uint64) {
	if strings.TrimSpace(u.Text) == "" {
		callStart(u)
		callEnd(u)
		return
	}

	cmd := p.command(u)
	if err := cmd.Start(); err != nil {
		callError(u, err)
		return
	}

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		callError(u, ErrCancelled)
		return
	}
	p.cmd = cmd
	p.paused = false
	p.mu.Unlock()

	callStart(u)
	err := cmd.Wait()

	p.mu.Lock()
	cancelled := gen != p.gen
	p.cmd = nil
	p.paused = false
	p.mu.Unlock()

	switch {
	case cancelled:
		callError(u, ErrCancelled)
	case err != nil:
		callError(u, err)
	default:
		callEnd(u)
	}
}

func (p *CommandSpeechPlatform) command(u *Utterance) *exec.Cmd {
	rate := u.Rate
	if rate <= 0 {
		rate = 1
	}
	wpm := fmt.Sprintf("%d", int(175*rate))

	switch p.goos {
	case "darwin":
		args := []string{"-r", wpm}
		if u.Voice != nil {
			args = append(args, "-v", u.Voice.Name)
		}
		return exec.Command(p.binary, append(args, u.Text)...)
	case "windows":
		script := `Add-Type -AssemblyName System.Speech; ` +
			`$s = New-Object System.Speech.Synthesis.SpeechSynthesizer; ` +
			`if ($env:VOICEPLAY_VOICE) { $s.SelectVoice($env:VOICEPLAY_VOICE) }; ` +
			`$s.Speak($env:VOICEPLAY_TEXT)`
		cmd := exec.Command(p.binary, "-NoProfile", "-Command", script)
		cmd.Env = append(os.Environ(), "VOICEPLAY_TEXT="+u.Text)
		if u.Voice != nil {
			cmd.Env = append(cmd.Env, "VOICEPLAY_VOICE="+u.Voice.Name)
		}
		return cmd
	default:
		args := []string{"-s", wpm}
		if u.Volume > 0 {
			args = append(args, "-a", fmt.Sprintf("%d", int(100*u.Volume)))
		}
		// espeak selects voices by language code
		if u.Voice != nil {
			args = append(args, "-v", u.Voice.Lang)
		} else if u.Lang != "" {
			args = append(args, "-v", strings.ToLower(u.Lang))
		}
		return exec.Command(p.binary, append(args, "--", u.Text)...)
	}
}

// Cancel kills the running command and drops queued utterances.
func (p *CommandSpeechPlatform) Cancel() {
	p.mu.Lock()
	p.gen++
	dropped := p.queue
	p.queue = nil
	cmd := p.cmd
	paused := p.paused
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if paused {
			_ = resumeProcess(cmd.Process)
		}
		_ = cmd.Process.Kill()
	}
	for _, u := range dropped {
		callError(u, ErrCancelled)
	}
}

func (p *CommandSpeechPlatform) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.paused {
		return nil
	}
	if err := pauseProcess(p.cmd.Process); err != nil {
		return err
	}
	p.paused = true
	return nil
}

func (p *CommandSpeechPlatform) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || !p.paused {
		return nil
	}
	if err := resumeProcess(p.cmd.Process); err != nil {
		return err
	}
	p.paused = false
	return nil
}

func callStart(u *Utterance) {
	if u.OnStart != nil {
		u.OnStart()
	}
}

func callEnd(u *Utterance) {
	if u.OnEnd != nil {
		u.OnEnd()
	}
}

func callError(u *Utterance, err error) {
	if u.OnError != nil {
		u.OnError(err)
	}
}
