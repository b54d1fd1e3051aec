package voice

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stillriver/voiced/pkg/agent"
	"github.com/stillriver/voiced/pkg/protocol"
	"github.com/stillriver/voiced/pkg/state"
	"github.com/stillriver/voiced/pkg/tts"
)

// fakeWidget records every Send and lets tests react to outgoing
// traffic, e.g. answering start_asr with a scripted result.
type fakeWidget struct {
	mu     sync.Mutex
	sends  []sentMsg
	onSend func(method string, params any)
}

type sentMsg struct {
	method string
	params any
}

func (f *fakeWidget) Send(method string, params any) error {
	f.mu.Lock()
	f.sends = append(f.sends, sentMsg{method, params})
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(method, params)
	}
	return nil
}

func (f *fakeWidget) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sends {
		if s.method == method {
			n++
		}
	}
	return n
}

func (f *fakeWidget) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sends {
		if s.method == protocol.MethodStatus {
			out = append(out, s.params.(protocol.Status).Status)
		}
	}
	return out
}

func (f *fakeWidget) shown() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sends {
		if s.method == protocol.MethodShowResponse {
			out = append(out, s.params.(protocol.ShowResponse).Text)
		}
	}
	return out
}

func (f *fakeWidget) lastStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sends) - 1; i >= 0; i-- {
		if f.sends[i].method == protocol.MethodStatus {
			return f.sends[i].params.(protocol.Status).Status
		}
	}
	return ""
}

type fakeWake struct {
	pauses  atomic.Int32
	resumes atomic.Int32
}

func (f *fakeWake) Start() error { return nil }
func (f *fakeWake) Stop()        {}
func (f *fakeWake) Pause()       { f.pauses.Add(1) }
func (f *fakeWake) Resume()      { f.resumes.Add(1) }

// fakeAgent scripts responses per Send call via the respond function,
// which runs on its own goroutine and must eventually close the stream.
type fakeAgent struct {
	mu           sync.Mutex
	respond      func(call int, text string, st *agent.Stream)
	sent         []string
	calls        int
	interrupts   int
	disconnects  int
	expectsReply bool
}

func (f *fakeAgent) EnsureConnected(ctx context.Context) error { return nil }

func (f *fakeAgent) Send(ctx context.Context, text string) (*agent.Stream, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	call := f.calls
	f.calls++
	respond := f.respond
	f.mu.Unlock()

	st := agent.NewStream()
	if respond == nil {
		st.Close(nil)
		return st, nil
	}
	go respond(call, text, st)
	return st, nil
}

func (f *fakeAgent) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeAgent) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeAgent) ExpectsReply() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expectsReply
}

func (f *fakeAgent) Connected() bool { return true }

func (f *fakeAgent) setExpectsReply(v bool) {
	f.mu.Lock()
	f.expectsReply = v
	f.mu.Unlock()
}

func (f *fakeAgent) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeAgent) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ASRTimeout = 500 * time.Millisecond
	cfg.SilenceTimeout = 100 * time.Millisecond
	cfg.FollowUpExtra = 100 * time.Millisecond
	cfg.TextLinger = 10 * time.Millisecond
	cfg.QueryTimeout = 5 * time.Second
	cfg.ConnectTimeout = time.Second
	cfg.CooldownDwell = 10 * time.Millisecond
	cfg.ThinkingHint = time.Minute
	return cfg
}

type rig struct {
	orch    *Orchestrator
	widget  *fakeWidget
	agent   *fakeAgent
	wake    *fakeWake
	speaker *tts.Mock
	store   *state.Store
}

func newRig() *rig {
	r := &rig{
		widget:  &fakeWidget{},
		agent:   &fakeAgent{},
		wake:    &fakeWake{},
		speaker: &tts.Mock{},
		store:   state.New(),
	}
	r.orch = New(testConfig(), r.widget, r.agent, r.store, r.wake, r.speaker)
	return r
}

// answerASR wires the widget to reply to each start_asr with the given
// transcripts in order; entries beyond the script get a failure result.
func (r *rig) answerASR(transcripts ...string) {
	var n atomic.Int32
	r.widget.mu.Lock()
	r.widget.onSend = func(method string, params any) {
		if method != protocol.MethodStartASR {
			return
		}
		req := params.(protocol.ASRRequest)
		i := int(n.Add(1)) - 1
		res := protocol.ASRResult{ID: req.ID}
		if i < len(transcripts) && transcripts[i] != "" {
			res.Success = true
			res.Text = transcripts[i]
		}
		go r.orch.HandleWidgetMessage(asrMsg(res))
	}
	r.widget.mu.Unlock()
}

func asrMsg(res protocol.ASRResult) *protocol.Message {
	raw, _ := json.Marshal(res)
	return &protocol.Message{Method: protocol.MethodASRResult, Params: raw}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (r *rig) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, 5*time.Second, func() bool { return !r.orch.Active() }, "session never finished")
}

func TestSessionASRFailureRestoresStatus(t *testing.T) {
	r := newRig()
	r.store.Update(state.SectionStatus, state.Section{"status": "ready"}, false)
	r.answerASR("") // failure result

	r.orch.OnWakeWord()
	r.waitIdle(t)

	if got := r.orch.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	if r.store.Locked() {
		t.Fatal("status store still locked after session")
	}
	if got, _ := r.store.Get(state.SectionStatus)["status"].(string); got != "ready" {
		t.Fatalf("status = %q, want pre-session value restored", got)
	}
	if got := r.widget.lastStatus(); got != "ready" {
		t.Fatalf("final status push = %q, want %q", got, "ready")
	}
	if r.wake.resumes.Load() == 0 {
		t.Fatal("wake detection never resumed")
	}
	if len(r.speaker.Spoken()) != 0 {
		t.Fatalf("nothing should be spoken on ASR failure, got %v", r.speaker.Spoken())
	}
}

func TestSessionToolBoundarySpeaksEagerly(t *testing.T) {
	r := newRig()
	r.answerASR("what is the weather")
	r.agent.respond = func(call int, text string, st *agent.Stream) {
		ctx := context.Background()
		st.Emit(ctx, agent.Chunk{Text: "Let me check."})
		st.Emit(ctx, agent.Chunk{ToolBoundary: true})
		st.Emit(ctx, agent.Chunk{Text: "It is sunny out."})
		st.Close(nil)
	}

	r.orch.OnWakeWord()
	r.waitIdle(t)

	spoken := r.speaker.Spoken()
	if len(spoken) != 2 {
		t.Fatalf("spoken = %v, want two utterances split at the tool boundary", spoken)
	}
	if spoken[0] != "Let me check." || spoken[1] != "It is sunny out." {
		t.Fatalf("spoken = %v", spoken)
	}
	if got := r.agent.sentTexts(); len(got) != 1 || got[0] != "what is the weather" {
		t.Fatalf("agent received %v", got)
	}
	if r.widget.count(protocol.MethodClearResponse) == 0 {
		t.Fatal("display never cleared")
	}
}

func TestSessionFollowUpTurn(t *testing.T) {
	r := newRig()
	// Turn one answers, turn two has no speech so the conversation ends.
	r.answerASR("weather please", "in boston", "")
	r.agent.respond = func(call int, text string, st *agent.Stream) {
		ctx := context.Background()
		switch call {
		case 0:
			st.Emit(ctx, agent.Chunk{Text: "Which city?"})
			r.agent.setExpectsReply(true)
		default:
			st.Emit(ctx, agent.Chunk{Text: "Sunny in Boston."})
			r.agent.setExpectsReply(false)
		}
		st.Close(nil)
	}

	r.orch.OnWakeWord()
	r.waitIdle(t)

	sent := r.agent.sentTexts()
	if len(sent) != 2 {
		t.Fatalf("agent queries = %v, want initial plus one follow-up", sent)
	}
	if sent[0] != "weather please" || sent[1] != "in boston" {
		t.Fatalf("agent queries = %v", sent)
	}
	spoken := r.speaker.Spoken()
	if len(spoken) != 2 || spoken[0] != "Which city?" || spoken[1] != "Sunny in Boston." {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestSessionFollowUpSilenceEndsConversation(t *testing.T) {
	r := newRig()
	r.answerASR("remind me later", "") // follow-up ASR fails
	r.agent.respond = func(call int, text string, st *agent.Stream) {
		st.Emit(context.Background(), agent.Chunk{Text: "When should I remind you?"})
		r.agent.setExpectsReply(true)
		st.Close(nil)
	}

	r.orch.OnWakeWord()
	r.waitIdle(t)

	if got := r.agent.sentTexts(); len(got) != 1 {
		t.Fatalf("agent queries = %v, want only the initial turn", got)
	}
	if got := r.orch.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
}

func TestWakeWordDuringStreamRestartsSession(t *testing.T) {
	r := newRig()
	r.answerASR("long question", "") // restart attempt gets a failed ASR
	release := make(chan struct{})
	r.agent.respond = func(call int, text string, st *agent.Stream) {
		ctx := context.Background()
		st.Emit(ctx, agent.Chunk{Text: "Working on it"})
		<-release
		st.Close(nil)
	}
	defer close(release)

	r.orch.OnWakeWord()
	waitFor(t, 2*time.Second, func() bool {
		return r.widget.count(protocol.MethodShowResponse) > 0
	}, "response never started streaming")

	// Second wake word while mid-stream: interrupt, not a new session.
	r.orch.OnWakeWord()
	r.waitIdle(t)

	if r.agent.interruptCount() == 0 {
		t.Fatal("agent was never interrupted")
	}
	killed := false
	for _, c := range r.speaker.Calls() {
		if c.Method == "Kill" {
			killed = true
		}
	}
	if !killed {
		t.Fatal("in-flight speech was not killed")
	}
	// The restart listened again without a fresh wake word.
	if got := r.widget.count(protocol.MethodStartASR); got != 2 {
		t.Fatalf("start_asr sent %d times, want 2 (initial + restart)", got)
	}
	if got := r.orch.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
}

func TestStaleASRResultIgnored(t *testing.T) {
	r := newRig()
	w := r.orch.armWaiter("req-current")
	defer r.orch.disarmWaiter()

	r.orch.HandleWidgetMessage(asrMsg(protocol.ASRResult{Success: true, ID: "req-old", Text: "stale"}))
	select {
	case res := <-w.ch:
		t.Fatalf("stale result resolved the waiter: %+v", res)
	default:
	}

	r.orch.HandleWidgetMessage(asrMsg(protocol.ASRResult{Success: true, ID: "req-current", Text: "fresh"}))
	select {
	case res := <-w.ch:
		if res.Text != "fresh" {
			t.Fatalf("resolved with %q", res.Text)
		}
	default:
		t.Fatal("matching result did not resolve the waiter")
	}
}

func TestDuplicateASRResultDropped(t *testing.T) {
	r := newRig()
	r.orch.armWaiter("req-1")
	defer r.orch.disarmWaiter()

	// Second delivery must not block the widget reader.
	done := make(chan struct{})
	go func() {
		r.orch.HandleWidgetMessage(asrMsg(protocol.ASRResult{Success: true, ID: "req-1", Text: "one"}))
		r.orch.HandleWidgetMessage(asrMsg(protocol.ASRResult{Success: true, ID: "req-1", Text: "two"}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("duplicate asr result blocked the reader")
	}
}

func TestNotifySkipsASR(t *testing.T) {
	r := newRig()
	r.agent.respond = func(call int, text string, st *agent.Stream) {
		st.Emit(context.Background(), agent.Chunk{Text: "Dinner is ready."})
		st.Close(nil)
	}

	if !r.orch.Notify("Tell everyone dinner is ready") {
		t.Fatal("notify rejected with no active session")
	}
	r.waitIdle(t)

	if got := r.widget.count(protocol.MethodStartASR); got != 0 {
		t.Fatalf("notify triggered %d asr requests, want none", got)
	}
	sent := r.agent.sentTexts()
	if len(sent) != 1 || sent[0] != "Tell everyone dinner is ready" {
		t.Fatalf("agent received %v", sent)
	}
	if spoken := r.speaker.Spoken(); len(spoken) != 1 || spoken[0] != "Dinner is ready." {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestNotifyDroppedWhileActive(t *testing.T) {
	r := newRig()
	release := make(chan struct{})
	r.agent.respond = func(call int, text string, st *agent.Stream) {
		<-release
		st.Close(nil)
	}

	if !r.orch.Notify("first") {
		t.Fatal("first notify rejected")
	}
	waitFor(t, 2*time.Second, func() bool { return len(r.agent.sentTexts()) == 1 }, "first notify never reached the agent")

	if r.orch.Notify("second") {
		t.Fatal("second notify accepted while a session is active")
	}
	close(release)
	r.waitIdle(t)

	if got := r.agent.sentTexts(); len(got) != 1 {
		t.Fatalf("agent received %v, want only the first notify", got)
	}
}

func TestCancelSuppressesWakeResume(t *testing.T) {
	r := newRig()
	release := make(chan struct{})
	defer close(release)
	r.agent.respond = func(call int, text string, st *agent.Stream) {
		st.Emit(context.Background(), agent.Chunk{Text: "Starting a long answer"})
		<-release
		st.Close(nil)
	}
	r.answerASR("tell me a story")

	r.orch.OnWakeWord()
	waitFor(t, 2*time.Second, func() bool {
		return r.widget.count(protocol.MethodShowResponse) > 0
	}, "response never started streaming")

	before := r.wake.resumes.Load()
	r.orch.Cancel()
	r.waitIdle(t)

	if got := r.wake.resumes.Load(); got != before {
		t.Fatalf("wake resumed %d extra times after cancel", got-before)
	}
	if r.store.Locked() {
		t.Fatal("status store still locked")
	}
	if r.orch.State() != StateIdle {
		t.Fatalf("state = %v, want idle", r.orch.State())
	}
	// The cancel flag is single-use; the next wake word starts fresh.
	if r.orch.Active() {
		t.Fatal("still active after cancel")
	}
}

func TestQueryTimeoutSpeaksApology(t *testing.T) {
	r := newRig()
	r.orch.cfg.QueryTimeout = 60 * time.Millisecond
	r.answerASR("take forever")
	release := make(chan struct{})
	defer close(release)
	r.agent.respond = func(call int, text string, st *agent.Stream) {
		// Never produces a chunk; the overall query bound has to fire.
		<-release
		st.Close(nil)
	}

	r.orch.OnWakeWord()
	r.waitIdle(t)

	spoken := r.speaker.Spoken()
	if len(spoken) != 1 || spoken[0] != apologyText {
		t.Fatalf("spoken = %v, want only the apology", spoken)
	}
	if r.agent.interruptCount() == 0 {
		t.Fatal("runaway query was never force-interrupted")
	}
	if got := r.orch.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	if r.store.Locked() {
		t.Fatal("status store still locked after timeout")
	}
}

func TestThinkingHintShownWhileSilent(t *testing.T) {
	r := newRig()
	r.orch.cfg.ThinkingHint = 30 * time.Millisecond
	r.answerASR("hard question")
	r.agent.respond = func(call int, text string, st *agent.Stream) {
		time.Sleep(150 * time.Millisecond)
		st.Emit(context.Background(), agent.Chunk{Text: "Here you go."})
		st.Close(nil)
	}

	r.orch.OnWakeWord()
	r.waitIdle(t)

	hinted := false
	for _, text := range r.widget.shown() {
		if text == "Still thinking..." {
			hinted = true
		}
	}
	if !hinted {
		t.Fatal("thinking hint never shown during the silent stretch")
	}
	if spoken := r.speaker.Spoken(); len(spoken) != 1 || spoken[0] != "Here you go." {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestFollowUpAfterSilentReplyStillListens(t *testing.T) {
	r := newRig()
	r.answerASR("do the thing", "confirmed")
	r.agent.respond = func(call int, text string, st *agent.Stream) {
		switch call {
		case 0:
			// No text at all, but the agent still wants an answer.
			r.agent.setExpectsReply(true)
		default:
			st.Emit(context.Background(), agent.Chunk{Text: "Done."})
			r.agent.setExpectsReply(false)
		}
		st.Close(nil)
	}

	r.orch.OnWakeWord()
	r.waitIdle(t)

	sent := r.agent.sentTexts()
	if len(sent) != 2 || sent[1] != "confirmed" {
		t.Fatalf("agent queries = %v, want the follow-up to go through", sent)
	}
	listens := 0
	for _, s := range r.widget.statuses() {
		if s == "listening" {
			listens++
		}
	}
	if listens != 2 {
		t.Fatalf("listening pushed %d times, want 2 (initial + follow-up)", listens)
	}
}

func TestCancelWithoutSessionIsNoop(t *testing.T) {
	r := newRig()
	r.orch.Cancel()
	if r.orch.Active() || r.orch.State() != StateIdle {
		t.Fatal("cancel without a session changed state")
	}
	if len(r.speaker.Calls()) != 0 {
		t.Fatal("cancel without a session touched the speaker")
	}
}
