// Package tts provides spoken output for the voice pipeline.
//
// Synthesis runs as an external subprocess (a `say`-style command) so an
// in-flight utterance can be terminated immediately on interrupt: no
// timeout plumbing needed, the process is simply killed.
//
// Example usage:
//
//	speaker := tts.NewSay(tts.Config{Voice: "Samantha", Rate: 150})
//	_ = speaker.Speak(ctx, "Hello world")
//	speaker.Kill() // from another goroutine, stops playback now
package tts

import (
	"context"
	"time"
)

// Speaker is the spoken-output interface used by the pipeline.
type Speaker interface {
	// Speak synthesizes and plays text, blocking until playback
	// finishes, the context is cancelled, or Kill is called.
	Speak(ctx context.Context, text string) error

	// Kill terminates any in-flight synthesis immediately.
	// Safe to call from any goroutine, and when nothing is playing.
	Kill()

	// PlayCue plays a short named cue sound, fire-and-forget.
	PlayCue(name string)
}

// Config holds speaker settings.
type Config struct {
	// Command is the TTS executable. Defaults to "say".
	Command string

	// Voice is the voice name passed to the command.
	Voice string

	// Rate is the speech rate in words per minute.
	Rate int

	// CueCommand plays cue sounds. Defaults to "afplay".
	CueCommand string

	// CueDir is where cue sound files live.
	CueDir string

	// CueExt is the cue file extension. Defaults to ".aiff".
	CueExt string
}

// DefaultConfig returns the standard speaker configuration.
func DefaultConfig() Config {
	return Config{
		Command:    "say",
		Voice:      "Samantha",
		Rate:       150,
		CueCommand: "afplay",
		CueDir:     "/System/Library/Sounds",
		CueExt:     ".aiff",
	}
}

// EstimateDuration approximates how long text takes to speak at the
// given rate. Used only for logging.
func EstimateDuration(text string, rate int) time.Duration {
	if rate <= 0 {
		rate = 150
	}
	words := 1 + len(text)/6
	return time.Duration(words) * time.Minute / time.Duration(rate)
}
