package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/providers"
)

func doResponses(t *testing.T, client *http.Client, apiKey, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://gw/v1/responses", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestResponsesToChatRequest_StringInput(t *testing.T) {
	rr := responsesRequest{
		Model:        "test-model",
		Input:        json.RawMessage(`"what is 2+2"`),
		Instructions: "answer tersely",
	}
	cr, verr := rr.toChatRequest()
	if verr != nil {
		t.Fatal(verr)
	}
	if len(cr.Messages) != 2 {
		t.Fatalf("messages = %d, want system + user", len(cr.Messages))
	}
	if cr.Messages[0].Role != "system" {
		t.Errorf("first role = %q", cr.Messages[0].Role)
	}
	preq := cr.toProviderRequest("rid")
	if preq.Messages[0].Content != "answer tersely" || preq.Messages[1].Content != "what is 2+2" {
		t.Errorf("messages = %+v", preq.Messages)
	}
}

func TestResponsesToChatRequest_ItemArray(t *testing.T) {
	rr := responsesRequest{
		Model: "test-model",
		Input: json.RawMessage(`[
			{"role": "user", "content": "plain string"},
			{"role": "assistant", "content": [{"type":"output_text","text":"earlier answer"}]},
			{"content": [{"type":"input_text","text":"part one "},{"type":"input_text","text":"part two"}]}
		]`),
	}
	cr, verr := rr.toChatRequest()
	if verr != nil {
		t.Fatal(verr)
	}
	preq := cr.toProviderRequest("rid")
	if len(preq.Messages) != 3 {
		t.Fatalf("messages = %+v", preq.Messages)
	}
	if preq.Messages[1].Role != "assistant" || preq.Messages[1].Content != "earlier answer" {
		t.Errorf("assistant turn = %+v", preq.Messages[1])
	}
	// Role defaults to user; text parts concatenate.
	if preq.Messages[2].Role != "user" || preq.Messages[2].Content != "part one part two" {
		t.Errorf("defaulted turn = %+v", preq.Messages[2])
	}
}

func TestResponsesToChatRequest_Rejections(t *testing.T) {
	cases := []struct {
		name string
		rr   responsesRequest
	}{
		{"no model", responsesRequest{Input: json.RawMessage(`"hi"`)}},
		{"no input", responsesRequest{Model: "m"}},
		{"empty array", responsesRequest{Model: "m", Input: json.RawMessage(`[]`)}},
		{"bad input type", responsesRequest{Model: "m", Input: json.RawMessage(`42`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, verr := tc.rr.toChatRequest(); verr == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestResponses_Endpoint(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	resp := doResponses(t, client, testAPIKey,
		`{"model":"test-model","input":"hello there"}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	var out struct {
		ID     string `json:"id"`
		Object string `json:"object"`
		Status string `json:"status"`
		Model  string `json:"model"`
		Output []struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
		GatewayUsage struct {
			TokensCharged int     `json:"tokens_charged"`
			RequestMs     int64   `json:"request_ms"`
			CostUSD       float64 `json:"cost_usd"`
		} `json:"gateway_usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "response" || out.Status != "completed" {
		t.Errorf("envelope = %+v", out)
	}
	if !strings.HasPrefix(out.ID, "resp_") {
		t.Errorf("id = %q", out.ID)
	}
	if len(out.Output) != 1 || out.Output[0].Content[0].Text != "hello from alpha" {
		t.Errorf("output = %+v", out.Output)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if out.GatewayUsage.TokensCharged != 15 || out.GatewayUsage.CostUSD <= 0 {
		t.Errorf("gateway_usage = %+v", out.GatewayUsage)
	}
}

func TestResponsesToChatRequest_ResponseFormatForwarded(t *testing.T) {
	rr := responsesRequest{
		Model:          "test-model",
		Input:          json.RawMessage(`"hi"`),
		ResponseFormat: json.RawMessage(`{"type":"json_object"}`),
	}
	cr, verr := rr.toChatRequest()
	if verr != nil {
		t.Fatal(verr)
	}
	if !bytes.Contains(cr.ResponseFormat, []byte("json_object")) {
		t.Errorf("response_format = %s", cr.ResponseFormat)
	}
}

func TestResponses_StreamTypedEvents(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	resp := doResponses(t, client, testAPIKey,
		`{"model":"test-model","input":"hello there","stream":true}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	raw := string(body)

	for _, want := range []string{
		"event: response.created",
		"event: response.output_text.delta",
		"event: response.completed",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("stream missing %q:\n%s", want, raw)
		}
	}
	if strings.Contains(raw, "data: [DONE]") {
		t.Error("typed event stream must not emit a [DONE] sentinel")
	}

	ev := env.recorder.wait(t)
	if !ev.Streamed || !ev.Success {
		t.Errorf("usage event = %+v", ev)
	}
}

func TestResponses_StreamClientDisconnect(t *testing.T) {
	canceled := make(chan struct{})
	slow := &funcAdapter{
		name: "alpha",
		streamFn: func(ctx context.Context, _ *providers.Request) (<-chan providers.Event, error) {
			ch := make(chan providers.Event)
			go func() {
				defer close(ch)
				ch <- providers.Event{Kind: providers.EventRole, Role: "assistant"}
				for {
					select {
					case <-ctx.Done():
						close(canceled)
						return
					case ch <- providers.Event{Kind: providers.EventContent, Text: "chunk "}:
					}
					time.Sleep(5 * time.Millisecond)
				}
			}()
			return ch, nil
		},
	}

	env := newTestEnv(t, slow, okAdapter("beta"))
	client := serveGateway(t, env.gw)

	resp := doResponses(t, client, testAPIKey,
		`{"model":"test-model","input":"hi","stream":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	buf := make([]byte, 256)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream call was not canceled after the client disconnected")
	}

	ev := env.recorder.wait(t)
	if !ev.Streamed {
		t.Errorf("usage event = %+v, want streamed", ev)
	}
	if n := env.limiter.InFlight("user:u1"); n != 0 {
		t.Fatalf("concurrency slot leaked after client disconnect: %d in flight", n)
	}
}

func TestResponses_RequiresAuthForPaidModels(t *testing.T) {
	env := newTestEnv(t)
	client := serveGateway(t, env.gw)

	// test-model is not on the free list: keyless callers are told which
	// models they may use, not that their credentials are bad.
	resp := doResponses(t, client, "", `{"model":"test-model","input":"hi"}`)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("free-model")) {
		t.Errorf("rejection should list the models open to anonymous callers: %s", body)
	}
}
