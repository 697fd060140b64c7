// Package upstream speaks the chat completions wire protocol to the remote
// model endpoints.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"glimpse-api/internal/config"
	"glimpse-api/internal/shared"
)

const completionsPath = "/v1/chat/completions"

// Error bodies are diagnostic only, no reason to slurp an unbounded one.
const maxErrorBody = 8 << 10

// Request is one upstream attempt. ReqID travels as X-Request-ID so provider
// logs can be correlated with ours.
type Request struct {
	ReqID       string
	Model       string
	Messages    []shared.ChatMessage
	MaxTokens   int
	Temperature float32
	TopP        float32
	Stream      bool
}

// Completer issues one completion call. Streaming deltas arrive through
// onDelta in arrival order before Complete returns the assembled result.
type Completer interface {
	Complete(ctx context.Context, endpoint string, req *Request, onDelta func(delta string) error) (*shared.Completion, error)
}

type Client struct {
	endpoints    map[string]config.EndpointConfig
	log          *zap.SugaredLogger
	httpClients  map[string]*http.Client
	clientsMutex sync.RWMutex
}

func NewClient(log *zap.SugaredLogger, endpoints []config.EndpointConfig) *Client {
	eps := make(map[string]config.EndpointConfig, len(endpoints))
	for _, ep := range endpoints {
		eps[ep.Name] = ep
	}
	return &Client{
		endpoints:   eps,
		log:         log,
		httpClients: make(map[string]*http.Client),
	}
}

func (c *Client) getHTTPClient(endpointURL string) *http.Client {
	parsedURL, err := url.Parse(endpointURL)
	if err != nil {
		c.log.Warnw("Failed to parse endpoint URL, using full URL as key", "url", endpointURL, "error", err)
		parsedURL = &url.URL{Host: endpointURL}
	}
	host := parsedURL.Host

	c.clientsMutex.RLock()
	if client, exists := c.httpClients[host]; exists {
		c.clientsMutex.RUnlock()
		return client
	}
	c.clientsMutex.RUnlock()

	c.clientsMutex.Lock()
	defer c.clientsMutex.Unlock()

	if client, exists := c.httpClients[host]; exists {
		return client
	}

	tr := &http.Transport{
		Dial: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).Dial,
		TLSHandshakeTimeout: 2 * time.Second,
		DisableKeepAlives:   false,
	}
	client := &http.Client{Transport: tr, Timeout: shared.DefaultStreamTimeout}

	c.httpClients[host] = client
	c.log.Infow("Created new HTTP client for host", "host", host, "full_url", endpointURL)

	return client
}

type chatPayload struct {
	Model         string               `json:"model"`
	Messages      []shared.ChatMessage `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   float32              `json:"temperature,omitempty"`
	TopP          float32              `json:"top_p,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *streamOptions       `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Complete runs one call against the named endpoint. Failures come back
// classified, the retry layer above decides what to do with them.
func (c *Client) Complete(ctx context.Context, endpoint string, req *Request, onDelta func(delta string) error) (*shared.Completion, error) {
	ep, ok := c.endpoints[endpoint]
	if !ok {
		return nil, shared.NewClassified(shared.KindPermanentClient,
			errors.New("unknown endpoint "+endpoint))
	}

	payload := chatPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.Stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Join(shared.NewClassified(shared.KindPermanentClient,
			errors.New("failed building request body")), err)
	}

	timeout := shared.DefaultHTTPTimeout
	if req.Stream {
		timeout = shared.DefaultStreamTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r, err := http.NewRequestWithContext(rctx, "POST", ep.URL+completionsPath, bytes.NewBuffer(body))
	if err != nil {
		return nil, errors.Join(shared.NewClassified(shared.KindPermanentClient,
			errors.New("failed building request")), err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("X-Request-ID", req.ReqID)
	if ep.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	res, err := c.getHTTPClient(ep.URL).Do(r)
	defer func() {
		if res != nil && res.Body != nil {
			if closeErr := res.Body.Close(); closeErr != nil {
				c.log.Warnw("Failed to close response body", "error", closeErr)
			}
		}
	}()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Join(shared.NewClassified(shared.KindCancelled, ctx.Err()), err)
		}
		return nil, errors.Join(shared.NewClassified(shared.KindTransient, shared.ErrFailedModelReq), err)
	}

	if res.StatusCode != http.StatusOK {
		retryAfter := parseRetryAfter(res.Header.Get("Retry-After"))
		return nil, errors.Join(
			shared.ClassifyHTTP(res.StatusCode, retryAfter, errors.New(readErrorMessage(res.Body))),
			shared.ErrFailedModelReqFromCode,
		)
	}

	if !req.Stream {
		return c.readBuffered(rctx, req, res.Body)
	}
	return c.readStream(ctx, rctx, req, res.Body, onDelta)
}

func (c *Client) readBuffered(rctx context.Context, req *Request, body io.Reader) (*shared.Completion, error) {
	bodyBytes, err := io.ReadAll(body)
	if err != nil {
		if rctx.Err() != nil {
			return nil, errors.Join(shared.NewClassified(shared.KindCancelled, rctx.Err()), err)
		}
		return nil, errors.Join(shared.NewClassified(shared.KindTransient, shared.ErrFailedReadingResponse), err)
	}

	var parsed shared.ChatResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return nil, errors.Join(shared.NewClassified(shared.KindTransient, shared.ErrFailedReadingResponse), err)
	}
	if len(parsed.Choices) == 0 {
		return nil, shared.NewClassified(shared.KindTransient, errors.New("no choices in model response"))
	}

	comp := &shared.Completion{
		Content:      parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		FinishReason: parsed.Choices[0].FinishReason,
	}
	if comp.Model == "" {
		comp.Model = req.Model
	}
	if parsed.Usage != nil {
		comp.Usage = *parsed.Usage
	}
	return comp, nil
}

func (c *Client) readStream(ctx, rctx context.Context, req *Request, body io.Reader, onDelta func(delta string) error) (*shared.Completion, error) {
	var content strings.Builder
	var usage shared.Usage
	model := req.Model
	finish := ""
	hasDone := false

	reader := bufio.NewScanner(body)
scanner:
	for reader.Scan() {
		select {
		case <-rctx.Done():
			break scanner
		default:
		}

		line := reader.Text()
		if line == "" {
			continue
		}
		data, found := strings.CutPrefix(line, "data: ")
		if !found {
			continue
		}
		if data == "[DONE]" {
			hasDone = true
			break scanner
		}

		var chunk shared.StreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			finish = fr
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return nil, errors.Join(shared.NewClassified(shared.KindCancelled,
					errors.New("stream consumer went away")), err)
			}
		}
	}

	if ctx.Err() != nil {
		return nil, errors.Join(shared.NewClassified(shared.KindCancelled, ctx.Err()), shared.ErrModelContext)
	}
	if rctx.Err() != nil {
		return nil, errors.Join(shared.NewClassified(shared.KindTransient, shared.ErrModelContext), rctx.Err())
	}
	if err := reader.Err(); err != nil {
		return nil, errors.Join(shared.NewClassified(shared.KindTransient, shared.ErrFailedReadingResponse), err)
	}
	if !hasDone {
		return nil, shared.NewClassified(shared.KindTransient, shared.ErrMissingDoneToken)
	}
	if content.Len() == 0 {
		return nil, shared.NewClassified(shared.KindTransient, errors.New("no response from model"))
	}

	return &shared.Completion{
		Content:      content.String(),
		Model:        model,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

// readErrorMessage pulls the provider's error message out of a non-200 body,
// falling back to the raw text.
func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return "downstream request failed"
	}
	var parsed shared.ErrorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// parseRetryAfter handles both forms of the header, delta seconds and an
// HTTP date. Absent or malformed values mean no hint.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
