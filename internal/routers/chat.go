package routers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"glimpse-api/internal/config"
	"glimpse-api/internal/glimpse"
	"glimpse-api/internal/metrics"
	"glimpse-api/internal/setup"
	"glimpse-api/internal/shared"

	"github.com/labstack/echo/v4"
)

type ChatRouter struct {
	orc   *glimpse.Orchestrator
	tiers []config.TierConfig
}

func RegisterChatRoutes(e *echo.Group, orc *glimpse.Orchestrator, tiers []config.TierConfig) {
	cr := &ChatRouter{orc: orc, tiers: tiers}

	v1 := e.Group("/v1")
	v1.GET("/models", cr.GetModels)
	v1.POST("/chat/completions", cr.ChatRequest)
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// GetModels lists the routable tiers. The id is what callers put in the
// model field, the model field here is what actually serves it.
func (cr *ChatRouter) GetModels(cc echo.Context) error {
	c := cc.(*setup.Context)
	models := make([]Model, 0, len(cr.tiers))
	for _, t := range cr.tiers {
		models = append(models, Model{
			ID:      t.Name,
			Object:  "model",
			Model:   t.Model,
			OwnedBy: t.Endpoint,
		})
	}
	return c.JSON(http.StatusOK, ModelList{Object: "list", Data: models})
}

func (cr *ChatRouter) ChatRequest(cc echo.Context) error {
	c := cc.(*setup.Context)
	metrics.InflightRequests.WithLabelValues(c.Path()).Inc()
	defer metrics.InflightRequests.WithLabelValues(c.Path()).Dec()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.LogValues.AddError(err)
		return writeError(c, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
	}
	var req shared.CompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.LogValues.AddError(errors.Join(shared.ErrInvalidRequest, err))
		return writeError(c, shared.ErrInvalidRequest.StatusCode, shared.ErrInvalidRequest.Err.Error(), "invalid_request_error")
	}
	req.ID = c.Reqid
	if key, kerr := shared.ExtractBearerToken(c); kerr == nil {
		req.CallerID = key
	}

	s, err := cr.orc.Submit(c.Request().Context(), &req)
	if err != nil {
		c.LogValues.AddError(err)
		if errors.Is(err, shared.ErrNoMessages) {
			return writeError(c, http.StatusBadRequest, "messages are required", "invalid_request_error")
		}
		return writeError(c, http.StatusInternalServerError, "internal server error", "internal_error")
	}

	decision := s.Decision()
	c.LogValues.Model = decision.Model
	c.LogValues.Tier = decision.Tier
	c.LogValues.Endpoint = decision.Endpoint
	c.LogValues.Stream = req.Stream
	c.LogValues.CacheStatus = "miss"
	if s.CacheHit() {
		c.LogValues.CacheStatus = "hit"
	}

	if req.Stream {
		return cr.streamResponse(c, &req, s)
	}
	return cr.bufferedResponse(c, &req, s)
}

// streamResponse forwards chunks as server sent events. The first chunk is
// read before headers go out so early failures still get a proper status
// code instead of a broken event stream.
func (cr *ChatRouter) streamResponse(c *setup.Context, req *shared.CompletionRequest, s *glimpse.Stream) error {
	chunk, ok := <-s.Chunks()
	if !ok {
		return writeError(c, http.StatusBadGateway, "upstream produced no response", "upstream_error")
	}
	if chunk.Err != nil {
		c.LogValues.AddError(chunk.Err)
		status, errType := statusFor(chunk.Err)
		return writeError(c, status, publicMessage(chunk.Err), errType)
	}

	setupSSEHeaders(c)
	send := createStreamCallback(c)

	for {
		switch {
		case chunk.Err != nil:
			// Headers are long gone, the failure rides the stream itself.
			c.LogValues.AddError(chunk.Err)
			c.LogValues.LogLevel = "ERROR"
			_, errType := statusFor(chunk.Err)
			if frame, merr := json.Marshal(shared.ErrorResponse{Error: shared.OpenAIError{
				Message: publicMessage(chunk.Err),
				Type:    errType,
			}}); merr == nil {
				_ = send("data: " + string(frame))
			}
			return nil
		case chunk.Done:
			if chunk.Completion != nil {
				final := shared.StreamResponse{
					ID:     req.ID,
					Object: "chat.completion.chunk",
					Model:  chunk.Completion.Model,
					Choices: []shared.Choice{{
						Delta:        shared.Delta{},
						FinishReason: chunk.Completion.FinishReason,
					}},
				}
				if frame, merr := json.Marshal(final); merr == nil {
					if err := send("data: " + string(frame)); err != nil {
						c.LogValues.AddError(err)
						return nil
					}
				}
				usage := shared.StreamResponse{
					ID:      req.ID,
					Object:  "chat.completion.chunk",
					Model:   chunk.Completion.Model,
					Choices: []shared.Choice{},
					Usage:   &chunk.Completion.Usage,
				}
				if frame, merr := json.Marshal(usage); merr == nil {
					if err := send("data: " + string(frame)); err != nil {
						c.LogValues.AddError(err)
						return nil
					}
				}
			}
			_ = send("data: [DONE]")
			return nil
		default:
			frame := shared.StreamResponse{
				ID:     req.ID,
				Object: "chat.completion.chunk",
				Model:  c.LogValues.Model,
				Choices: []shared.Choice{{
					Delta: shared.Delta{Content: chunk.Delta},
				}},
			}
			if b, merr := json.Marshal(frame); merr == nil {
				if err := send("data: " + string(b)); err != nil {
					// Client went away, the orchestrator unwinds through the
					// request context.
					c.LogValues.AddError(err)
					return nil
				}
			}
		}

		chunk, ok = <-s.Chunks()
		if !ok {
			return nil
		}
	}
}

func (cr *ChatRouter) bufferedResponse(c *setup.Context, req *shared.CompletionRequest, s *glimpse.Stream) error {
	var comp *shared.Completion
	for chunk := range s.Chunks() {
		if chunk.Err != nil {
			c.LogValues.AddError(chunk.Err)
			status, errType := statusFor(chunk.Err)
			return writeError(c, status, publicMessage(chunk.Err), errType)
		}
		if chunk.Done {
			comp = chunk.Completion
		}
	}
	if comp == nil {
		return writeError(c, http.StatusBadGateway, "upstream produced no response", "upstream_error")
	}

	return c.JSON(http.StatusOK, shared.ChatResponse{
		ID:     req.ID,
		Object: "chat.completion",
		Model:  comp.Model,
		Choices: []shared.MessageChoice{{
			Message:      shared.ChatMessage{Role: "assistant", Content: comp.Content},
			FinishReason: comp.FinishReason,
		}},
		Usage: &comp.Usage,
	})
}
