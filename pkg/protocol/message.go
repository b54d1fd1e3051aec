// Package protocol defines the JSON messages exchanged with the widget
// (the on-screen rendering surface) over its socket.
//
// The wire format is newline-delimited UTF-8 JSON in both directions:
// one {"method": ..., "params": {...}} object per line. Unknown fields
// are ignored; messages missing required fields are rejected at the
// boundary so malformed input never reaches the pipeline.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Method names used on the wire.
const (
	// Daemon → widget
	MethodStartASR      = "start_asr"
	MethodStopASR       = "stop_asr"
	MethodShowResponse  = "show_response"
	MethodClearResponse = "clear_response"
	MethodStatus        = "status"

	// Widget → daemon
	MethodASRResult = "asr_result"
)

// ErrMissingID is returned when an asr_result carries no request id.
var ErrMissingID = errors.New("protocol: asr_result missing id")

// Message is the envelope for all widget messages.
type Message struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewMessage creates a message with marshaled params.
// Pass nil params for methods that carry none.
func NewMessage(method string, params any) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s params: %w", method, err)
		}
	}
	return &Message{Method: method, Params: raw}, nil
}

// ParseMessage parses a single JSON message from one wire line.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: parse message: %w", err)
	}
	if msg.Method == "" {
		return nil, errors.New("protocol: message missing method")
	}
	return &msg, nil
}

// ParseParams unmarshals the message params into the provided struct.
func (m *Message) ParseParams(v any) error {
	if m.Params == nil {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// Bytes returns the JSON-encoded message without the trailing newline.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ASRRequest asks the widget to begin speech recognition.
// Timeouts are seconds on the wire.
type ASRRequest struct {
	Timeout        float64 `json:"timeout"`
	SilenceTimeout float64 `json:"silence_timeout"`
	ID             string  `json:"id"`
	Language       string  `json:"language"`
}

// NewASRRequest builds a request with a fresh random id.
// Each request gets its own id so a result for a superseded request
// can be recognized and dropped.
func NewASRRequest(timeout, silence time.Duration, language string) ASRRequest {
	return ASRRequest{
		Timeout:        timeout.Seconds(),
		SilenceTimeout: silence.Seconds(),
		ID:             newRequestID(),
		Language:       language,
	}
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// ASRResult is the widget's answer to an ASRRequest.
type ASRResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Text    string `json:"text,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ParseASRResult decodes asr_result params, rejecting results without
// an id: an id-less result can never be matched to a request.
func ParseASRResult(params json.RawMessage) (ASRResult, error) {
	var res ASRResult
	if params == nil {
		return res, ErrMissingID
	}
	if err := json.Unmarshal(params, &res); err != nil {
		return res, fmt.Errorf("protocol: parse asr_result: %w", err)
	}
	if res.ID == "" {
		return res, ErrMissingID
	}
	return res, nil
}

// ShowResponse carries (partial) response text for display.
type ShowResponse struct {
	Text string `json:"text"`
}

// Status is the lightweight status-only push sent on state changes,
// bypassing the widget's normal render loop for instant feedback.
type Status struct {
	Status string `json:"status"`
}
