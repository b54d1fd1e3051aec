package wake

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stillriver/voiced/internal/log"
)

// Detector line protocol: the helper prints one word per event on
// stdout and accepts one command per line on stdin.
const (
	eventDetected = "detected"
	cmdPause      = "pause"
	cmdResume     = "resume"
)

// Detector runs an external wake-word helper process and invokes the
// detection callback for each detection it reports.
//
// Pause does not stop the helper; it gates the callback and tells the
// helper to release the microphone so ASR can have it.
type Detector struct {
	command    []string
	onDetected func()

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	paused atomic.Bool
}

// NewDetector creates a detector for the given helper command line.
// onDetected is invoked from the reader goroutine.
func NewDetector(command []string, onDetected func()) *Detector {
	return &Detector{command: command, onDetected: onDetected}
}

// Start launches the helper process and begins relaying detections.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return nil
	}
	if len(d.command) == 0 {
		return fmt.Errorf("wake: no detector command configured")
	}

	cmd := exec.Command(d.command[0], d.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("wake: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("wake: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("wake: start detector: %w", err)
	}

	d.cmd = cmd
	d.stdin = stdin
	go d.readLoop(stdout)
	log.Info("wake word detector started", "command", d.command[0])
	return nil
}

// Stop terminates the helper process.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil {
		return
	}
	d.stdin.Close()
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	go d.cmd.Wait()
	d.cmd = nil
	d.stdin = nil
}

// Pause gates detections and asks the helper to free the microphone.
// Idempotent.
func (d *Detector) Pause() {
	if !d.paused.CompareAndSwap(false, true) {
		return
	}
	d.send(cmdPause)
	log.Debug("wake word detection paused")
}

// Resume re-enables detection after a Pause. Idempotent.
func (d *Detector) Resume() {
	if !d.paused.CompareAndSwap(true, false) {
		return
	}
	d.send(cmdResume)
	log.Debug("wake word detection resumed")
}

func (d *Detector) send(cmd string) {
	d.mu.Lock()
	stdin := d.stdin
	d.mu.Unlock()
	if stdin == nil {
		return
	}
	if _, err := io.WriteString(stdin, cmd+"\n"); err != nil {
		log.Warn("wake detector command failed", "command", cmd, "error", err)
	}
}

func (d *Detector) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		event := strings.TrimSpace(scanner.Text())
		if event != eventDetected {
			continue
		}
		// The helper mutes itself while paused, but a detection can
		// already be in flight when the pause lands.
		if d.paused.Load() {
			log.Debug("dropping detection while paused")
			continue
		}
		if d.onDetected != nil {
			d.onDetected()
		}
	}
	log.Info("wake word detector stream ended")
}
