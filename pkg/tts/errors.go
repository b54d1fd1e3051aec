package tts

import "errors"

// Sentinel errors for common error conditions.
var (
	// ErrBusy is returned when an utterance is already playing.
	ErrBusy = errors.New("tts: speaker busy")
)
