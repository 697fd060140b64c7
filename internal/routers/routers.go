// Package routers wires the public HTTP surface to the orchestrator.
package routers

import (
	"errors"
	"fmt"
	"net/http"

	"glimpse-api/internal/setup"
	"glimpse-api/internal/shared"
)

// Client closed request, nginx convention. Echo has no name for it.
const statusClientClosedRequest = 499

func setupSSEHeaders(c *setup.Context) {
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
}

func createStreamCallback(c *setup.Context) func(token string) error {
	return func(token string) error {
		if c.Request().Context().Err() != nil {
			return c.Request().Context().Err()
		}
		_, err := fmt.Fprintf(c.Response(), "%s\n\n", token)
		if err != nil {
			return err
		}
		c.Response().Flush()
		return nil
	}
}

func writeError(c *setup.Context, status int, msg, errType string) error {
	return c.JSON(status, shared.ErrorResponse{Error: shared.OpenAIError{
		Message: msg,
		Type:    errType,
	}})
}

// statusFor maps a terminal failure to the HTTP status and OpenAI style
// error type callers see.
func statusFor(err error) (int, string) {
	var classified *shared.Classified
	if errors.As(err, &classified) && classified.Kind == shared.KindPermanentClient &&
		classified.Status >= 400 && classified.Status < 500 {
		return classified.Status, "invalid_request_error"
	}

	switch shared.KindOf(err) {
	case shared.KindCapacityRejected:
		return http.StatusTooManyRequests, "rate_limit_error"
	case shared.KindPermanentClient:
		return http.StatusBadRequest, "invalid_request_error"
	case shared.KindPermanentUpstream:
		return http.StatusBadGateway, "upstream_error"
	case shared.KindCancelled:
		return statusClientClosedRequest, "cancelled"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

// publicMessage keeps provider detail out of responses while still giving
// callers something actionable. Full chains go to the logs.
func publicMessage(err error) string {
	var classified *shared.Classified
	if errors.As(err, &classified) && classified.Err != nil {
		return classified.Err.Error()
	}
	return "request failed"
}
