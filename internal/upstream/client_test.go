package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"glimpse-api/internal/config"
	"glimpse-api/internal/shared"
)

func newTestClient(serverURL string) *Client {
	return NewClient(zap.NewNop().Sugar(), []config.EndpointConfig{
		{Name: "primary", URL: serverURL, APIKey: "test-key"},
	})
}

func streamReq() *Request {
	return &Request{
		ReqID:     "req_test",
		Model:     "gpt-4o",
		Messages:  []shared.ChatMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 64,
		Stream:    true,
	}
}

func writeEvents(t *testing.T, w http.ResponseWriter, events ...string) {
	t.Helper()
	fl, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	for _, ev := range events {
		fmt.Fprintf(w, "data: %s\n\n", ev)
		fl.Flush()
	}
}

func deltaEvent(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o-2024","choices":[{"delta":{"content":%q}}]}`, content)
}

const finishEvent = `{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o-2024","choices":[{"delta":{"content":""},"finish_reason":"stop"}]}`
const usageEvent = `{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o-2024","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`

func TestCompleteStream(t *testing.T) {
	var gotPath, gotAuth, gotReqID string
	var gotPayload chatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decoding request payload: %v", err)
		}
		writeEvents(t, w,
			deltaEvent("Hello"),
			deltaEvent(" world"),
			finishEvent,
			usageEvent,
			"[DONE]",
		)
	}))
	defer srv.Close()

	var deltas []string
	comp, err := newTestClient(srv.URL).Complete(context.Background(), "primary", streamReq(), func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReqID != "req_test" {
		t.Errorf("request id header = %q", gotReqID)
	}
	if !gotPayload.Stream || gotPayload.StreamOptions == nil || !gotPayload.StreamOptions.IncludeUsage {
		t.Errorf("payload should request streamed usage, got %+v", gotPayload)
	}

	if comp.Content != "Hello world" {
		t.Errorf("content = %q", comp.Content)
	}
	if comp.Model != "gpt-4o-2024" {
		t.Errorf("model = %q", comp.Model)
	}
	if comp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", comp.FinishReason)
	}
	if comp.Usage.TotalTokens != 12 || comp.Usage.PromptTokens != 5 {
		t.Errorf("usage = %+v", comp.Usage)
	}
	if len(deltas) != 2 || deltas[0] != "Hello" || deltas[1] != " world" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestCompleteBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload chatPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decoding request payload: %v", err)
		}
		if payload.Stream || payload.StreamOptions != nil {
			t.Errorf("buffered call should not request streaming, got %+v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c2","object":"chat.completion","model":"gpt-4o-2024","choices":[{"message":{"role":"assistant","content":"buffered answer"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`)
	}))
	defer srv.Close()

	req := streamReq()
	req.Stream = false
	comp, err := newTestClient(srv.URL).Complete(context.Background(), "primary", req, nil)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if comp.Content != "buffered answer" {
		t.Errorf("content = %q", comp.Content)
	}
	if comp.FinishReason != "stop" || comp.Usage.TotalTokens != 7 {
		t.Errorf("completion = %+v", comp)
	}
}

func TestCompleteRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "primary", streamReq(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var c *shared.Classified
	if !errors.As(err, &c) {
		t.Fatalf("error not classified: %v", err)
	}
	if c.Kind != shared.KindTransient {
		t.Errorf("kind = %v, want transient", c.Kind)
	}
	if c.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", c.Status)
	}
	if c.RetryAfter != 3*time.Second {
		t.Errorf("retry after = %v", c.RetryAfter)
	}
}

func TestCompleteClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"model not found","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "primary", streamReq(), nil)
	var c *shared.Classified
	if !errors.As(err, &c) {
		t.Fatalf("error not classified: %v", err)
	}
	if c.Kind != shared.KindPermanentClient {
		t.Errorf("kind = %v, want permanent client", c.Kind)
	}
	if c.Kind.Retryable() {
		t.Error("client errors must not be retryable")
	}
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "primary", streamReq(), nil)
	if kind := shared.KindOf(err); kind != shared.KindTransient {
		t.Errorf("kind = %v, want transient", kind)
	}
}

func TestCompleteMissingDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w, deltaEvent("partial"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "primary", streamReq(), nil)
	if err == nil {
		t.Fatal("expected error for truncated stream")
	}
	if !errors.Is(err, shared.ErrMissingDoneToken) {
		t.Errorf("error = %v, want missing done token", err)
	}
	if kind := shared.KindOf(err); kind != shared.KindTransient {
		t.Errorf("kind = %v, want transient", kind)
	}
}

func TestCompleteCancelledMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w, deltaEvent("first"))
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := newTestClient(srv.URL).Complete(ctx, "primary", streamReq(), func(d string) error {
		cancel()
		return nil
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if kind := shared.KindOf(err); kind != shared.KindCancelled {
		t.Errorf("kind = %v, want cancelled", kind)
	}
}

func TestCompleteConsumerRejectsDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvents(t, w, deltaEvent("first"), deltaEvent("second"), "[DONE]")
	}))
	defer srv.Close()

	calls := 0
	_, err := newTestClient(srv.URL).Complete(context.Background(), "primary", streamReq(), func(d string) error {
		calls++
		return errors.New("consumer gone")
	})
	if err == nil {
		t.Fatal("expected error when consumer rejects delta")
	}
	if calls != 1 {
		t.Errorf("onDelta called %d times, want 1", calls)
	}
	if kind := shared.KindOf(err); kind != shared.KindCancelled {
		t.Errorf("kind = %v, want cancelled", kind)
	}
}

func TestCompleteUnknownEndpoint(t *testing.T) {
	_, err := newTestClient("http://localhost:0").Complete(context.Background(), "missing", streamReq(), nil)
	if kind := shared.KindOf(err); kind != shared.KindPermanentClient {
		t.Errorf("kind = %v, want permanent client", kind)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("5"); d != 5*time.Second {
		t.Errorf("seconds form = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("empty = %v", d)
	}
	if d := parseRetryAfter("soon"); d != 0 {
		t.Errorf("garbage = %v", d)
	}
	if d := parseRetryAfter("-2"); d != 0 {
		t.Errorf("negative = %v", d)
	}
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(future); d < 80*time.Second || d > 90*time.Second {
		t.Errorf("date form = %v", d)
	}
}
