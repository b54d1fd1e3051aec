package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/stillriver/voiced/internal/httpc"
	"github.com/stillriver/voiced/internal/log"
)

// localSystemPrompt keeps small local models on-script for spoken output.
const localSystemPrompt = `You are a voice assistant. You receive transcribed speech and respond conversationally.

Rules:
- Keep responses to 1-3 sentences unless asked for more.
- Act on commands directly and never use markdown formatting; your responses are spoken aloud.
- A <context> block may precede the user's message with current situational data. Use it naturally without mentioning it.`

// DefaultMaxHistoryTurns bounds the rolling chat history.
const DefaultMaxHistoryTurns = 10

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// LocalSession streams chat completions from an OpenAI-compatible local
// model server. The conversation lives in memory as a rolling history,
// so Disconnect costs nothing and continuity survives it. Reasoning
// output inside <think> tags is filtered from the stream.
//
// Local models have no tool protocol here, so ExpectsReply is always
// false.
type LocalSession struct {
	baseURL string
	model   string
	client  *http.Client

	mu        sync.Mutex
	connected bool
	history   []chatMessage
	maxTurns  int
	cancel    context.CancelFunc
}

// NewLocalSession creates a session against a local model server.
func NewLocalSession(baseURL, model string) *LocalSession {
	return &LocalSession{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		// No overall client timeout; streams are bounded by the caller's context.
		client:   httpc.NewClient(0),
		maxTurns: DefaultMaxHistoryTurns,
	}
}

// EnsureConnected probes the server once. The model server holds no
// per-client state, so this is just a reachability check.
func (l *LocalSession) EnsureConnected(ctx context.Context) error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("agent: local probe: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: local model server unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent: local model server returned %d", resp.StatusCode)
	}

	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	log.Info("local agent ready", "url", l.baseURL, "model", l.model)
	return nil
}

// Send streams one completion, appending both sides to the history.
func (l *LocalSession) Send(ctx context.Context, text string) (*Stream, error) {
	if err := l.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	messages := make([]chatMessage, 0, len(l.history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: localSystemPrompt})
	messages = append(messages, l.history...)
	messages = append(messages, chatMessage{Role: "user", Content: text})

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	body, err := json.Marshal(chatRequest{Model: l.model, Messages: messages, Stream: true})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("agent: completion request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("agent: completion returned %d", resp.StatusCode)
	}

	stream := NewStream()
	go l.readSSE(ctx, resp, stream, text)
	return stream, nil
}

func (l *LocalSession) readSSE(ctx context.Context, resp *http.Response, stream *Stream, userText string) {
	defer resp.Body.Close()

	filter := newThinkFilter()
	var full strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var delta chatDelta
		if err := json.Unmarshal([]byte(payload), &delta); err != nil {
			log.Debug("skipping malformed SSE payload", "error", err)
			continue
		}
		if len(delta.Choices) == 0 {
			continue
		}

		out := filter.Feed(delta.Choices[0].Delta.Content)
		if out == "" {
			continue
		}
		full.WriteString(out)
		if !stream.Emit(ctx, Chunk{Text: out}) {
			stream.Close(ctx.Err())
			l.finish(userText, full.String())
			return
		}
	}

	if tail := filter.Flush(); tail != "" {
		full.WriteString(tail)
		stream.Emit(ctx, Chunk{Text: tail})
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		stream.Close(fmt.Errorf("agent: stream read: %w", err))
	} else {
		stream.Close(ctx.Err())
	}
	l.finish(userText, full.String())
}

// finish records the exchange in the rolling history.
func (l *LocalSession) finish(userText, reply string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel = nil
	if reply == "" {
		return
	}
	l.history = append(l.history,
		chatMessage{Role: "user", Content: userText},
		chatMessage{Role: "assistant", Content: reply},
	)
	if max := l.maxTurns * 2; len(l.history) > max {
		l.history = append(l.history[:0:0], l.history[len(l.history)-max:]...)
	}
}

// Interrupt cancels the in-flight completion request.
func (l *LocalSession) Interrupt(ctx context.Context) error {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Disconnect marks the session unprobed. History is retained, so the
// conversation resumes on the next Send.
func (l *LocalSession) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

// ExpectsReply is always false for the local backend.
func (l *LocalSession) ExpectsReply() bool {
	return false
}

// Connected reports whether the server probe has succeeded.
func (l *LocalSession) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}
