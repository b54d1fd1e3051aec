package tts

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/stillriver/voiced/internal/log"
)

// Say is a subprocess-backed Speaker.
// One utterance at a time; the pipeline serializes calls.
type Say struct {
	cfg Config

	mu   sync.Mutex
	proc *exec.Cmd
}

// NewSay creates a subprocess speaker. Zero-value config fields fall
// back to DefaultConfig.
func NewSay(cfg Config) *Say {
	def := DefaultConfig()
	if cfg.Command == "" {
		cfg.Command = def.Command
	}
	if cfg.Rate == 0 {
		cfg.Rate = def.Rate
	}
	if cfg.CueCommand == "" {
		cfg.CueCommand = def.CueCommand
	}
	if cfg.CueDir == "" {
		cfg.CueDir = def.CueDir
	}
	if cfg.CueExt == "" {
		cfg.CueExt = def.CueExt
	}
	return &Say{cfg: cfg}
}

// Speak runs the TTS command and waits for it to exit.
func (s *Say) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	args := []string{}
	if s.cfg.Voice != "" {
		args = append(args, "-v", s.cfg.Voice)
	}
	if s.cfg.Rate > 0 {
		args = append(args, "-r", strconv.Itoa(s.cfg.Rate))
	}
	args = append(args, text)

	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	log.Debug("speaking", "chars", len(text), "estimate", EstimateDuration(text, s.cfg.Rate))

	s.mu.Lock()
	if s.proc != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("tts: start %s: %w", s.cfg.Command, err)
	}
	s.proc = cmd
	s.mu.Unlock()

	err := cmd.Wait()

	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()

	// A kill mid-utterance is the expected interrupt path, not a failure.
	if err != nil && ctx.Err() == nil {
		log.Debug("tts process exited", "error", err)
	}
	return nil
}

// Kill terminates the in-flight utterance, if any.
func (s *Say) Kill() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc != nil && proc.Process != nil {
		if err := proc.Process.Kill(); err != nil {
			log.Debug("tts kill", "error", err)
		}
	}
}

// PlayCue plays a named system sound without waiting for it.
func (s *Say) PlayCue(name string) {
	if name == "" {
		return
	}
	path := filepath.Join(s.cfg.CueDir, name+s.cfg.CueExt)
	cmd := exec.Command(s.cfg.CueCommand, path)
	if err := cmd.Start(); err != nil {
		log.Debug("cue playback", "cue", name, "error", err)
		return
	}
	go func() {
		_ = cmd.Wait()
	}()
}
