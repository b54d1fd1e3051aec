package voice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stillriver/voiced/internal/log"
	"github.com/stillriver/voiced/pkg/agent"
)

// streamAndSpeak sends one query to the agent, streams the response to
// the display, and speaks it. Text accumulated before a tool boundary
// is spoken eagerly so long tool calls happen behind speech instead of
// silence.
//
// Returns the full response text, whether the agent expects a reply,
// and an error. errInterrupted and errQueryTimeout mark paths already
// handled here; anything else is fatal to the attempt.
func (o *Orchestrator) streamAndSpeak(query string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.QueryTimeout)
	defer cancel()

	hint := time.AfterFunc(o.cfg.ThinkingHint, func() {
		o.showText("Still thinking...")
	})
	defer hint.Stop()

	stream, err := o.agent.Send(ctx, query)
	if err != nil {
		// A failed send usually means a half-dead connection; drop it
		// so the next attempt reconnects cleanly.
		o.disconnectAgent()
		return "", false, err
	}

	// In a follow-up turn the previous response stays visible above a
	// separator while the new one streams in.
	sep := ""
	if o.lastShown != "" {
		sep = o.lastShown + "\n···\n"
	}

	var full, unspoken strings.Builder
	firstChunk := true

	// Interrupts must land even while the agent is silent, so the
	// read loop polls the flag alongside the stream.
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

read:
	for {
		var (
			chunk agent.Chunk
			open  bool
		)
		select {
		case chunk, open = <-stream.Chunks():
			if !open {
				break read
			}
		case <-ctx.Done():
			return "", false, o.handleQueryTimeout()
		case <-poll.C:
			if o.interrupt.Load() {
				log.Info("interrupt during agent stream")
				o.safeInterrupt()
				o.transition(StateCooldown)
				return "", false, errInterrupted
			}
			continue
		}

		if o.interrupt.Load() {
			log.Info("interrupt during agent stream")
			o.safeInterrupt()
			o.transition(StateCooldown)
			return "", false, errInterrupted
		}
		if firstChunk {
			hint.Stop()
			firstChunk = false
		}

		if chunk.ToolBoundary {
			if pending := strings.TrimSpace(unspoken.String()); pending != "" {
				o.transition(StateResponding)
				o.speak(pending)
				unspoken.Reset()
				o.transition(StateThinking)
			}
			continue
		}

		full.WriteString(chunk.Text)
		unspoken.WriteString(chunk.Text)
		o.showText(sep + full.String())
	}

	if err := stream.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", false, o.handleQueryTimeout()
		}
		o.disconnectAgent()
		return "", false, err
	}
	if o.interrupt.Load() {
		o.safeInterrupt()
		o.transition(StateCooldown)
		return "", false, errInterrupted
	}

	expectsReply := o.agent.ExpectsReply()
	text := strings.TrimSpace(full.String())

	if pending := strings.TrimSpace(unspoken.String()); pending != "" {
		o.transition(StateResponding)
		o.speak(pending)
	}

	if text != "" {
		linger := o.cfg.TextLinger
		if expectsReply {
			// The listening cue follows immediately; most of the
			// linger would just delay the user's reply.
			linger /= 3
		}
		o.sleepInterruptible(linger)
	}
	o.lastShown = text
	o.clearDisplay()

	return text, expectsReply, nil
}

// handleQueryTimeout kills the runaway query and apologizes out loud,
// since the user has been waiting in silence.
func (o *Orchestrator) handleQueryTimeout() error {
	log.Warn("agent query timed out", "timeout", o.cfg.QueryTimeout)
	o.safeInterrupt()
	o.transition(StateResponding)
	o.speak(apologyText)
	o.transition(StateCooldown)
	return errQueryTimeout
}
