// Package shared
package shared

import (
	"strings"

	"github.com/labstack/echo/v4"
)

func ExtractBearerToken(c echo.Context) (string, error) {
	// Check Authorization header
	auth := c.Request().Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingAuth
	}

	// Validate bearer format
	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", ErrInvalidFormat
	}

	return parts[1], nil
}

// EstimateTokens approximates the token count of a prompt. Four bytes per
// token tracks the upstream tokenizers closely enough for admission sizing.
func EstimateTokens(msgs []ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Role) + len(m.Content)
	}
	return n/4 + 1
}
