// Package stream normalizes provider event streams into the OpenAI
// chat-completion chunk wire format.
//
// Upstream adapters emit a canonical event union (see internal/providers);
// the Normalizer folds those events into `chat.completion.chunk` JSON frames
// with a stable id/model/created triple, tracks per-choice state, and
// produces the trailing usage frame. The caller owns the SSE envelope
// ("data: " prefix, flushing, the final [DONE]).
package stream

import (
	"encoding/json"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/pkg/apierr"
)

// EstimateTokens approximates a token count from a character count using the
// ~4 chars/token heuristic. Always at least 1 for non-empty text.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	n := (chars + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   *string         `json:"content,omitempty"`
	Reasoning string          `json:"reasoning_content,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkFrame struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *usagePayload `json:"usage,omitempty"`
}

// Summary is what the post-flight accounting path needs from a drained
// stream: reported usage (if the provider sent any), character counts for
// estimation fallback, and the terminal condition.
type Summary struct {
	Usage           *providers.Usage
	ContentChars    int
	ReasoningChars  int
	FinishReason    string
	SawOutput       bool
	Err             error
	EstimatedTokens int
}

type choiceState struct {
	finishReason string
}

// Normalizer folds provider events into chat.completion.chunk frames.
// The same id/model/created triple is stamped on every frame of a stream.
type Normalizer struct {
	id        string
	model     string
	requestID string
	created   int64

	choices        map[int]*choiceState
	usage          *providers.Usage
	err            error
	contentChars   int
	reasoningChars int
	sawOutput      bool
	finishReason   string
}

// NewNormalizer creates a Normalizer. id is the chunk id ("chatcmpl-…"),
// model is the canonical model id echoed to the client, requestID rides on
// error frames.
func NewNormalizer(id, model, requestID string, created int64) *Normalizer {
	return &Normalizer{
		id:        id,
		model:     model,
		requestID: requestID,
		created:   created,
		choices:   make(map[int]*choiceState),
	}
}

func (n *Normalizer) choice(idx int) *choiceState {
	cs, ok := n.choices[idx]
	if !ok {
		cs = &choiceState{}
		n.choices[idx] = cs
	}
	return cs
}

// Next converts one provider event into a wire frame, or nil for events that
// only update internal state (usage, errors).
func (n *Normalizer) Next(ev providers.Event) []byte {
	switch ev.Kind {
	case providers.EventRole:
		empty := ""
		return n.frame(chunkChoice{
			Index: ev.Choice,
			Delta: chunkDelta{Role: ev.Role, Content: &empty},
		})

	case providers.EventContent:
		n.sawOutput = true
		n.contentChars += len(ev.Text)
		text := ev.Text
		return n.frame(chunkChoice{
			Index: ev.Choice,
			Delta: chunkDelta{Content: &text},
		})

	case providers.EventReasoning:
		n.sawOutput = true
		n.reasoningChars += len(ev.Text)
		return n.frame(chunkChoice{
			Index: ev.Choice,
			Delta: chunkDelta{Reasoning: ev.Text},
		})

	case providers.EventToolCall:
		n.sawOutput = true
		return n.frame(chunkChoice{
			Index: ev.Choice,
			Delta: chunkDelta{ToolCalls: ev.ToolCall},
		})

	case providers.EventFinish:
		cs := n.choice(ev.Choice)
		cs.finishReason = ev.FinishReason
		if n.finishReason == "" {
			n.finishReason = ev.FinishReason
		}
		reason := ev.FinishReason
		return n.frame(chunkChoice{
			Index:        ev.Choice,
			Delta:        chunkDelta{},
			FinishReason: &reason,
		})

	case providers.EventUsage:
		if ev.Usage != nil {
			n.usage = ev.Usage
		}
		return nil

	case providers.EventError:
		n.err = ev.Err
		return nil
	}
	return nil
}

// Finish returns the trailing frames after the provider channel closed: a
// usage frame when the provider reported usage, or a diagnostic error frame
// when the stream failed or produced no output at all. The caller writes
// [DONE] afterwards either way.
func (n *Normalizer) Finish() ([][]byte, Summary) {
	sum := Summary{
		Usage:          n.usage,
		ContentChars:   n.contentChars,
		ReasoningChars: n.reasoningChars,
		FinishReason:   n.finishReason,
		SawOutput:      n.sawOutput,
		Err:            n.err,
	}
	sum.EstimatedTokens = EstimateTokens(n.contentChars + n.reasoningChars)

	if n.err != nil {
		kind := providers.Classify(n.err)
		frame := apierr.Marshal(n.err.Error(), errType(kind), errCode(kind), n.requestID)
		return [][]byte{frame}, sum
	}

	if !n.sawOutput {
		frame := apierr.Marshal(
			"upstream returned an empty stream",
			apierr.TypeProviderError, apierr.CodeEmptyStream, n.requestID)
		return [][]byte{frame}, sum
	}

	var frames [][]byte
	if n.usage != nil {
		f := chunkFrame{
			ID:      n.id,
			Object:  "chat.completion.chunk",
			Created: n.created,
			Model:   n.model,
			Choices: []chunkChoice{},
			Usage: &usagePayload{
				PromptTokens:     n.usage.PromptTokens,
				CompletionTokens: n.usage.CompletionTokens,
				TotalTokens:      n.usage.PromptTokens + n.usage.CompletionTokens,
			},
		}
		if b, err := json.Marshal(f); err == nil {
			frames = append(frames, b)
		}
	}
	return frames, sum
}

func (n *Normalizer) frame(choices ...chunkChoice) []byte {
	f := chunkFrame{
		ID:      n.id,
		Object:  "chat.completion.chunk",
		Created: n.created,
		Model:   n.model,
		Choices: choices,
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return b
}

func errType(kind providers.ErrorKind) string {
	switch kind {
	case providers.KindUpstream4xx, providers.KindContentPolicy:
		return apierr.TypeInvalidRequest
	default:
		return apierr.TypeProviderError
	}
}

func errCode(kind providers.ErrorKind) string {
	switch kind {
	case providers.KindTimeout:
		return apierr.CodeRequestTimeout
	case providers.KindContentPolicy:
		return apierr.CodeContentPolicy
	case providers.KindCanceled:
		return apierr.CodeCanceled
	default:
		return apierr.CodeProviderError
	}
}
