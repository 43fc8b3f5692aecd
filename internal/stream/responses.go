package stream

import (
	"encoding/json"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
)

// TypedEvent is one SSE event for the /v1/responses surface, which unlike
// chat completions uses named event types and monotonic sequence numbers.
type TypedEvent struct {
	Name string
	Data []byte
}

type responseEnvelope struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	CreatedAt int64          `json:"created_at"`
	Model     string         `json:"model"`
	Status    string         `json:"status"`
	Usage     *responseUsage `json:"usage,omitempty"`
	Error     *responseError `json:"error,omitempty"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responseError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ResponsesEmitter converts provider events into the typed event stream of
// the Responses API. Sequence numbers are assigned in emission order.
type ResponsesEmitter struct {
	id      string
	model   string
	created int64
	seq     int
}

// NewResponsesEmitter creates an emitter for one response stream.
func NewResponsesEmitter(id, model string, created int64) *ResponsesEmitter {
	return &ResponsesEmitter{id: id, model: model, created: created}
}

func (e *ResponsesEmitter) nextSeq() int {
	s := e.seq
	e.seq++
	return s
}

func (e *ResponsesEmitter) envelope(status string) responseEnvelope {
	return responseEnvelope{
		ID:        e.id,
		Object:    "response",
		CreatedAt: e.created,
		Model:     e.model,
		Status:    status,
	}
}

func (e *ResponsesEmitter) typed(name string, payload any) TypedEvent {
	b, _ := json.Marshal(payload)
	return TypedEvent{Name: name, Data: b}
}

// Created emits the opening response.created event.
func (e *ResponsesEmitter) Created() TypedEvent {
	return e.typed("response.created", struct {
		Type           string           `json:"type"`
		SequenceNumber int              `json:"sequence_number"`
		Response       responseEnvelope `json:"response"`
	}{"response.created", e.nextSeq(), e.envelope("in_progress")})
}

// Next converts one provider event into typed events. Role, finish, usage
// and error events carry no delta on this surface and return nil; usage and
// errors are the caller's to fold into Completed or Failed.
func (e *ResponsesEmitter) Next(ev providers.Event) []TypedEvent {
	switch ev.Kind {
	case providers.EventContent:
		if ev.Text == "" {
			return nil
		}
		return []TypedEvent{e.typed("response.output_text.delta", struct {
			Type           string `json:"type"`
			SequenceNumber int    `json:"sequence_number"`
			ItemID         string `json:"item_id"`
			OutputIndex    int    `json:"output_index"`
			Delta          string `json:"delta"`
		}{"response.output_text.delta", e.nextSeq(), e.id + "-msg", ev.Choice, ev.Text})}

	case providers.EventReasoning:
		if ev.Text == "" {
			return nil
		}
		return []TypedEvent{e.typed("response.reasoning_text.delta", struct {
			Type           string `json:"type"`
			SequenceNumber int    `json:"sequence_number"`
			ItemID         string `json:"item_id"`
			OutputIndex    int    `json:"output_index"`
			Delta          string `json:"delta"`
		}{"response.reasoning_text.delta", e.nextSeq(), e.id + "-rsn", ev.Choice, ev.Text})}

	case providers.EventToolCall:
		return []TypedEvent{e.typed("response.function_call_arguments.delta", struct {
			Type           string          `json:"type"`
			SequenceNumber int             `json:"sequence_number"`
			ItemID         string          `json:"item_id"`
			OutputIndex    int             `json:"output_index"`
			Delta          json.RawMessage `json:"delta"`
		}{"response.function_call_arguments.delta", e.nextSeq(), e.id + "-fn", ev.Choice, ev.ToolCall})}
	}
	return nil
}

// Completed emits the closing response.completed event with final usage.
func (e *ResponsesEmitter) Completed(usage *providers.Usage) TypedEvent {
	env := e.envelope("completed")
	if usage != nil {
		env.Usage = &responseUsage{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			TotalTokens:  usage.PromptTokens + usage.CompletionTokens,
		}
	}
	return e.typed("response.completed", struct {
		Type           string           `json:"type"`
		SequenceNumber int              `json:"sequence_number"`
		Response       responseEnvelope `json:"response"`
	}{"response.completed", e.nextSeq(), env})
}

// Failed emits response.failed when the upstream stream errored.
func (e *ResponsesEmitter) Failed(err error, code string) TypedEvent {
	env := e.envelope("failed")
	msg := "upstream stream failed"
	if err != nil {
		msg = err.Error()
	}
	env.Error = &responseError{Message: msg, Code: code}
	return e.typed("response.failed", struct {
		Type           string           `json:"type"`
		SequenceNumber int              `json:"sequence_number"`
		Response       responseEnvelope `json:"response"`
	}{"response.failed", e.nextSeq(), env})
}
