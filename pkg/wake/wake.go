// Package wake defines the wake-word detection contract and an adapter
// that supervises an external detector process.
//
// The acoustic model itself lives in that external process; this
// package only relays its detections. The detection callback runs on
// the adapter's reader goroutine: callers must treat it as arriving on
// a foreign thread.
package wake

// Service is the wake-word detector contract used by the pipeline.
// Pause and Resume are idempotent and synchronous.
type Service interface {
	Start() error
	Stop()
	Pause()
	Resume()
}

// Noop is a Service that does nothing, for setups where activation
// comes only from programmatic triggers.
type Noop struct{}

func (Noop) Start() error { return nil }
func (Noop) Stop()        {}
func (Noop) Pause()       {}
func (Noop) Resume()      {}
