// Package voice implements the voice command pipeline: wake word →
// ASR → agent → speech, as one interruptible, resumable session.
//
// Concurrency contract: all session state belongs to the single
// goroutine running the session. The wake-word callback and the widget
// reader run on foreign goroutines and are limited to two safe
// operations: flipping the interrupt flag and resolving the pending
// ASR waiter through its buffered channel.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stillriver/voiced/internal/log"
	"github.com/stillriver/voiced/pkg/agent"
	"github.com/stillriver/voiced/pkg/protocol"
	"github.com/stillriver/voiced/pkg/state"
	"github.com/stillriver/voiced/pkg/tts"
	"github.com/stillriver/voiced/pkg/wake"
)

const (
	// asrGrace is added to the widget's own ASR timeout so the widget
	// gets first crack at reporting its timeout.
	asrGrace = 2 * time.Second

	// interruptGuard bounds a forced agent interrupt; past it the
	// connection is closed rather than left hung.
	interruptGuard = 5 * time.Second

	apologyText = "Sorry, that took too long."
)

// Recoverable pipeline outcomes, handled inside the attempt.
var (
	errInterrupted  = errors.New("voice: interrupted")
	errQueryTimeout = errors.New("voice: agent query timed out")
)

// WidgetConn is the send side of the rendering-surface connection.
type WidgetConn interface {
	Send(method string, params any) error
}

// Config holds pipeline timing and cue settings.
type Config struct {
	ASRTimeout     time.Duration
	SilenceTimeout time.Duration
	FollowUpExtra  time.Duration // added to ASRTimeout for follow-up turns
	TextLinger     time.Duration // response hold time after speech
	QueryTimeout   time.Duration // overall agent query bound
	ConnectTimeout time.Duration
	CooldownDwell  time.Duration // visible rest after a normal session
	ThinkingHint   time.Duration // "still thinking" threshold
	Language       string
	ActivationCue  string
	ListenCue      string
}

// DefaultConfig returns the standard pipeline timings.
func DefaultConfig() Config {
	return Config{
		ASRTimeout:     10 * time.Second,
		SilenceTimeout: 3 * time.Second,
		FollowUpExtra:  3 * time.Second,
		TextLinger:     3 * time.Second,
		QueryTimeout:   60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		CooldownDwell:  3 * time.Second,
		ThinkingHint:   20 * time.Second,
		Language:       "en-US",
		ActivationCue:  "Tink",
		ListenCue:      "Pop",
	}
}

// Orchestrator coordinates one voice session at a time.
type Orchestrator struct {
	cfg     Config
	widget  WidgetConn
	agent   agent.Session
	store   *state.Store
	wake    wake.Service
	speaker tts.Speaker

	machine Machine

	active    atomic.Bool
	interrupt atomic.Bool
	cancelled atomic.Bool

	waiterMu sync.Mutex
	waiter   *asrWaiter

	// Previous turn's text, rendered above a separator while the next
	// turn streams. Session-scoped.
	lastShown string
}

// New wires an orchestrator from its collaborators.
func New(cfg Config, widget WidgetConn, sess agent.Session, store *state.Store, wakeSvc wake.Service, speaker tts.Speaker) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		widget:  widget,
		agent:   sess,
		store:   store,
		wake:    wakeSvc,
		speaker: speaker,
	}
}

// State returns the current pipeline state.
func (o *Orchestrator) State() PipelineState {
	return o.machine.Current()
}

// OnWakeWord is the pipeline entry point, invoked from the wake-word
// service's goroutine.
//
// If a session is already running, the repeated wake word is a reset
// button: it sets the interrupt flag and kills in-flight speech, and
// the running session restarts itself. Otherwise a new session starts.
func (o *Orchestrator) OnWakeWord() {
	if !o.active.CompareAndSwap(false, true) {
		log.Info("wake word interrupt", "state", o.machine.Current())
		o.interrupt.Store(true)
		o.speaker.Kill()
		return
	}
	go o.runSession("")
}

// Notify injects a prompt directly, skipping wake word and ASR: for
// programmatic announcements. Dropped, not queued, if a session is
// already active. Returns whether a session was started.
func (o *Orchestrator) Notify(prompt string) bool {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return false
	}
	if !o.active.CompareAndSwap(false, true) {
		log.Info("dropping notify, session active", "state", o.machine.Current())
		return false
	}
	go o.runSession(prompt)
	return true
}

// Cancel ends the active session from outside, e.g. when the user
// disables the microphone. Unlike a wake-word interrupt it suppresses
// the automatic restart, and wake-word detection is NOT resumed: the
// caller that cancelled owns resuming it later.
func (o *Orchestrator) Cancel() {
	if !o.active.Load() {
		return
	}
	log.Info("voice session cancelled externally")
	o.cancelled.Store(true)
	o.interrupt.Store(true)
	o.speaker.Kill()
}

// Active reports whether a session is running.
func (o *Orchestrator) Active() bool {
	return o.active.Load()
}

// runSession holds the status lock for the whole session, runs attempts
// in a restart loop, and guarantees cleanup on every exit path.
func (o *Orchestrator) runSession(prompt string) {
	o.lastShown = ""
	o.store.Lock()

	defer func() {
		o.interrupt.Store(false)
		o.lastShown = ""
		o.clearDisplay()
		o.machine.Force(StateIdle)
		o.store.Unlock()
		restored, _ := o.store.Get(state.SectionStatus)["status"].(string)
		if restored == "" {
			restored = "idle"
		}
		o.pushStatus(restored)
		if !o.cancelled.Swap(false) {
			o.wake.Resume()
		}
		o.active.Store(false)
	}()

	isRestart := false
	for {
		o.interrupt.Store(false)
		if err := o.runAttempt(prompt, isRestart); err != nil {
			log.Error("voice pipeline attempt failed", "error", err)
		}
		prompt = ""

		wasInterrupted := o.interrupt.Load() && !o.cancelled.Load()

		if o.machine.Current() != StateCooldown {
			o.machine.Force(StateCooldown)
		}
		o.store.Update(state.SectionVoiceText, state.Section{"active": false}, false)

		if wasInterrupted {
			// The repeated wake word is a reset, not a failure:
			// no cooldown, straight back to a fresh attempt.
			log.Info("pipeline interrupted, restarting")
			o.clearDisplay()
			o.lastShown = ""
			o.wake.Pause()
			o.machine.Force(StateIdle)
			isRestart = true
			continue
		}

		if o.cancelled.Load() {
			break
		}

		// Normal exit: visible rest before going idle.
		o.wake.Resume()
		o.pushStatus("resting")
		time.Sleep(o.cfg.CooldownDwell)
		break
	}
}

// runAttempt is one pass through the pipeline: activation, ASR, agent
// query, speech, and any follow-up turns.
func (o *Orchestrator) runAttempt(prompt string, isRestart bool) error {
	o.transition(StateActivated)
	o.speaker.PlayCue(o.cfg.ActivationCue)
	// ASR needs exclusive microphone access.
	o.wake.Pause()

	// Connect the agent and build situational context while the user
	// speaks; their latency hides behind ASR.
	connectCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ConnectTimeout)
		defer cancel()
		connectCh <- o.agent.EnsureConnected(ctx)
	}()
	contextCh := make(chan string, 1)
	go func() { contextCh <- BuildContext(o.store) }()

	text := prompt
	if text == "" {
		o.transition(StateListening)
		res, ok := o.listenOnce(o.cfg.ASRTimeout)
		if !ok || !res.Success || strings.TrimSpace(res.Text) == "" {
			if o.interrupt.Load() {
				o.transition(StateCooldown)
				return nil
			}
			o.bailVisual(isRestart)
			return nil
		}
		text = strings.TrimSpace(res.Text)
		log.Info("voice command", "text", text)

		// The microphone is free again; a wake word can now interrupt
		// the agent or speech.
		o.wake.Resume()
	}

	if err := <-connectCh; err != nil {
		o.transition(StateCooldown)
		return fmt.Errorf("agent connect: %w", err)
	}
	prefix := <-contextCh

	o.transition(StateThinking)
	_, expectsReply, err := o.streamAndSpeak(prefix + text)
	if err != nil {
		return attemptErr(err)
	}

	// Follow-up conversation loop: the agent asked a question, so we
	// listen again without a fresh wake word.
	for expectsReply && !o.interrupt.Load() {
		o.wake.Pause()
		o.pushStatus("awaiting")
		o.speaker.PlayCue(o.cfg.ListenCue)
		if o.machine.Current() == StateThinking {
			// A reply with no speakable text leaves the machine in
			// Thinking; route through Responding so re-entering
			// Listening stays a legal transition.
			o.transition(StateResponding)
		}
		o.transition(StateListening)

		if o.interrupt.Load() {
			break
		}

		res, ok := o.listenOnce(o.cfg.ASRTimeout + o.cfg.FollowUpExtra)
		if !ok || !res.Success || strings.TrimSpace(res.Text) == "" {
			log.Info("follow-up ASR empty or timed out, ending conversation")
			o.speaker.Kill()
			break
		}
		reply := strings.TrimSpace(res.Text)
		log.Info("voice follow-up", "text", reply)

		o.wake.Resume()
		o.transition(StateThinking)
		_, expectsReply, err = o.streamAndSpeak(reply)
		if err != nil {
			return attemptErr(err)
		}
	}

	o.transition(StateCooldown)
	return nil
}

// attemptErr folds the recoverable outcomes (already handled inside
// streamAndSpeak) into a clean attempt exit.
func attemptErr(err error) error {
	if errors.Is(err, errInterrupted) || errors.Is(err, errQueryTimeout) {
		return nil
	}
	return err
}

// listenOnce issues a fresh ASR request and waits for its matching
// result, bounded by the request timeout plus grace.
func (o *Orchestrator) listenOnce(timeout time.Duration) (protocol.ASRResult, bool) {
	req := protocol.NewASRRequest(timeout, o.cfg.SilenceTimeout, o.cfg.Language)
	w := o.armWaiter(req.ID)
	defer o.disarmWaiter()

	if err := o.widget.Send(protocol.MethodStartASR, req); err != nil {
		log.Warn("start_asr send failed", "error", err)
		return protocol.ASRResult{}, false
	}

	res, ok := o.awaitASR(w, timeout+asrGrace)
	if !ok {
		o.widget.Send(protocol.MethodStopASR, nil)
	}
	return res, ok
}

// transition drives the state machine. Legal transitions to a
// user-visible phase also force-write the status store and push a
// status-only update straight to the widget, bypassing its render loop.
func (o *Orchestrator) transition(target PipelineState) bool {
	if !o.machine.Transition(target) {
		return false
	}
	if status := statusFor[target]; status != "" {
		cur := o.store.Get(state.SectionStatus)
		cur["status"] = status
		o.store.Update(state.SectionStatus, cur, true)
		o.pushStatus(status)
	}
	return true
}

func (o *Orchestrator) pushStatus(status string) {
	if err := o.widget.Send(protocol.MethodStatus, protocol.Status{Status: status}); err != nil {
		log.Debug("status push failed", "error", err)
	}
}

func (o *Orchestrator) showText(text string) {
	if err := o.widget.Send(protocol.MethodShowResponse, protocol.ShowResponse{Text: text}); err != nil {
		log.Debug("show_response send failed", "error", err)
	}
	o.store.Update(state.SectionVoiceText, state.Section{"full_text": text, "active": true}, false)
}

func (o *Orchestrator) clearDisplay() {
	if err := o.widget.Send(protocol.MethodClearResponse, nil); err != nil {
		log.Debug("clear_response send failed", "error", err)
	}
	o.store.Update(state.SectionVoiceText, state.Section{"active": false}, false)
}

// bailVisual gives brief non-spoken feedback for a failed ASR attempt -
// the user learns the wake word registered without being talked at.
// Restarts skip it so the reset feels instant.
func (o *Orchestrator) bailVisual(isRestart bool) {
	if !isRestart {
		o.showText("...")
		o.sleepInterruptible(time.Second)
		o.clearDisplay()
	}
	o.transition(StateCooldown)
}

func (o *Orchestrator) speak(text string) {
	if text == "" {
		return
	}
	if err := o.speaker.Speak(context.Background(), text); err != nil {
		log.Warn("tts failed", "error", err)
	}
}

// safeInterrupt interrupts the agent under the guard timeout; a hung
// interrupt gets the connection force-closed instead.
func (o *Orchestrator) safeInterrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), interruptGuard)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.agent.Interrupt(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("agent interrupt failed", "error", err)
			o.disconnectAgent()
		}
	case <-ctx.Done():
		log.Error("agent interrupt timed out, force-disconnecting")
		o.disconnectAgent()
	}
}

func (o *Orchestrator) disconnectAgent() {
	ctx, cancel := context.WithTimeout(context.Background(), interruptGuard)
	defer cancel()
	if err := o.agent.Disconnect(ctx); err != nil {
		log.Warn("agent disconnect failed", "error", err)
	}
}

// sleepInterruptible sleeps up to d, returning early once the
// interrupt flag fires.
func (o *Orchestrator) sleepInterruptible(d time.Duration) {
	deadline := time.Now().Add(d)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for time.Now().Before(deadline) {
		<-tick.C
		if o.interrupt.Load() {
			return
		}
	}
}
