package voice

import (
	"time"

	"github.com/stillriver/voiced/internal/log"
	"github.com/stillriver/voiced/pkg/protocol"
)

// asrWaiter is the hand-off point between the widget reader goroutine
// and the session goroutine. The buffered channel means the resolver
// never blocks; the non-blocking send in HandleWidgetMessage means
// duplicate resolutions are dropped, not fatal.
type asrWaiter struct {
	id string
	ch chan protocol.ASRResult
}

func (o *Orchestrator) armWaiter(id string) *asrWaiter {
	w := &asrWaiter{id: id, ch: make(chan protocol.ASRResult, 1)}
	o.waiterMu.Lock()
	o.waiter = w
	o.waiterMu.Unlock()
	return w
}

func (o *Orchestrator) disarmWaiter() {
	o.waiterMu.Lock()
	o.waiter = nil
	o.waiterMu.Unlock()
}

// HandleWidgetMessage routes incoming widget traffic. Runs on the
// widget server's reader goroutine; must not block.
func (o *Orchestrator) HandleWidgetMessage(msg *protocol.Message) {
	if msg.Method != protocol.MethodASRResult {
		log.Debug("ignoring widget message", "method", msg.Method)
		return
	}

	res, err := protocol.ParseASRResult(msg.Params)
	if err != nil {
		log.Warn("malformed asr result", "error", err)
		return
	}

	o.waiterMu.Lock()
	w := o.waiter
	o.waiterMu.Unlock()

	if w == nil {
		log.Debug("dropping asr result with no pending request", "id", res.ID)
		return
	}
	if res.ID != w.id {
		log.Debug("dropping stale asr result", "got", res.ID, "want", w.id)
		return
	}

	select {
	case w.ch <- res:
	default:
		// Already resolved.
	}
}

// awaitASR blocks until the waiter resolves, the bound expires, or the
// interrupt flag fires.
func (o *Orchestrator) awaitASR(w *asrWaiter, bound time.Duration) (protocol.ASRResult, bool) {
	timer := time.NewTimer(bound)
	defer timer.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case res := <-w.ch:
			return res, true
		case <-timer.C:
			log.Warn("asr result never arrived", "id", w.id, "bound", bound)
			return protocol.ASRResult{}, false
		case <-tick.C:
			if o.interrupt.Load() {
				return protocol.ASRResult{}, false
			}
		}
	}
}
