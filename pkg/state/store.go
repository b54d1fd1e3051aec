// Package state provides the daemon's shared state store: named sections
// of key/value data with observer fan-out on every write.
//
// The "status" section supports a lock used by the voice pipeline: while
// locked, non-forced status writes are silently ignored, and the value
// present immediately before Lock() is restored on Unlock(). This keeps
// unrelated status writers from racing with voice-driven status display
// for the duration of a voice session.
package state

import (
	"sync"

	"github.com/stillriver/voiced/internal/log"
)

// Well-known section names.
const (
	SectionStatus    = "status"
	SectionWeather   = "weather"
	SectionLocation  = "location"
	SectionTime      = "time"
	SectionVoiceText = "voice_text"
)

// Section is one named slice of state.
type Section map[string]any

// Observer is called with (section, new value) after each write.
type Observer func(section string, value Section)

// Store is the central state store. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	sections  map[string]Section
	observers []Observer

	statusLocked bool
	preLock      Section
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sections: make(map[string]Section),
	}
}

// Subscribe registers an observer and returns an unsubscribe function.
func (s *Store) Subscribe(fn Observer) func() {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	idx := len(s.observers) - 1
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.observers) {
			s.observers[idx] = nil
		}
	}
}

// Get returns a copy of a section, or an empty Section if unset.
func (s *Store) Get(section string) Section {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySection(s.sections[section])
}

// Update writes a section and notifies observers. While the status lock
// is held, writes to the status section are dropped unless force is set.
func (s *Store) Update(section string, value Section, force bool) {
	s.mu.Lock()
	if section == SectionStatus && s.statusLocked && !force {
		s.mu.Unlock()
		return
	}
	s.sections[section] = copySection(value)
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		if fn == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn("state observer panicked", "section", section, "panic", r)
				}
			}()
			fn(section, copySection(value))
		}()
	}
}

// Lock snapshots the current status and blocks non-forced status writes
// until Unlock. Held for the whole of one voice session.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preLock = copySection(s.sections[SectionStatus])
	s.statusLocked = true
}

// Unlock releases the status lock and restores the pre-lock status.
func (s *Store) Unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.statusLocked {
		return
	}
	s.statusLocked = false
	s.sections[SectionStatus] = s.preLock
	s.preLock = nil
}

// Locked reports whether the status lock is held.
func (s *Store) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked
}

// All returns a copy of every section, for debug surfaces.
func (s *Store) All() map[string]Section {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Section, len(s.sections))
	for name, sec := range s.sections {
		out[name] = copySection(sec)
	}
	return out
}

func copySection(sec Section) Section {
	out := make(Section, len(sec))
	for k, v := range sec {
		out[k] = v
	}
	return out
}
