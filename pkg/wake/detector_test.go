package wake

import (
	"testing"
	"time"
)

func TestDetectorRelaysDetections(t *testing.T) {
	got := make(chan struct{}, 4)
	d := NewDetector(
		[]string{"sh", "-c", "echo detected; echo noise; echo detected; sleep 5"},
		func() { got <- struct{}{} },
	)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("detection %d never arrived", i+1)
		}
	}

	// "noise" must not have produced a third callback
	select {
	case <-got:
		t.Error("unexpected extra detection")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDetectorPauseGatesCallback(t *testing.T) {
	got := make(chan struct{}, 4)
	d := NewDetector(
		[]string{"sh", "-c", "sleep 0.2; echo detected; sleep 5"},
		func() { got <- struct{}{} },
	)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	d.Pause()
	select {
	case <-got:
		t.Error("detection delivered while paused")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	d := NewDetector([]string{"sh", "-c", "sleep 5"}, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	d.Pause()
	d.Pause()
	if !d.paused.Load() {
		t.Error("not paused after Pause")
	}
	d.Resume()
	d.Resume()
	if d.paused.Load() {
		t.Error("still paused after Resume")
	}
}

func TestStartWithoutCommand(t *testing.T) {
	d := NewDetector(nil, nil)
	if err := d.Start(); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestStopIdempotent(t *testing.T) {
	d := NewDetector([]string{"sh", "-c", "sleep 5"}, nil)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	d.Stop()
	d.Stop()
}
