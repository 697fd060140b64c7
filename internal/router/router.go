// Package router maps completion requests onto model tiers. Routing is pure,
// the same request always lands on the same tier, and every request lands
// somewhere, the default tier is the floor.
package router

import (
	"strings"

	"glimpse-api/internal/config"
	"glimpse-api/internal/shared"
)

// Decision is the routing outcome for one request. EstimatedCost is the token
// estimate handed to the limiter, prompt size plus the output budget.
type Decision struct {
	Model         string
	Endpoint      string
	Tier          string
	Priority      string
	MaxTokens     int
	EstimatedCost float64
	Reason        string
}

type Router struct {
	tiers        []config.TierConfig
	byName       map[string]config.TierConfig
	triggers     map[string][]string
	liteMaxChars int
}

func New(cfg config.RouterConfig) *Router {
	byName := make(map[string]config.TierConfig, len(cfg.Tiers))
	triggers := make(map[string][]string)
	for _, t := range cfg.Tiers {
		name := strings.ToLower(t.Name)
		byName[name] = t
		for _, kw := range t.Triggers {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				triggers[name] = append(triggers[name], kw)
			}
		}
	}
	liteMax := cfg.LiteMaxChars
	if liteMax <= 0 {
		liteMax = 240
	}
	return &Router{tiers: cfg.Tiers, byName: byName, triggers: triggers, liteMaxChars: liteMax}
}

// Route evaluates the rules in a fixed order: caller pin, search, reasoning,
// lite, default. A rule whose tier is not configured falls through to the
// next one.
func (r *Router) Route(req *shared.CompletionRequest) Decision {
	if tier, reason, ok := r.pinned(req.Model); ok {
		return r.decide(tier, req, reason)
	}

	query := strings.ToLower(strings.TrimSpace(lastUserMessage(req.Messages)))

	if tier, ok := r.byName["search"]; ok && r.matches("search", query, wantsSearch) {
		return r.decide(tier, req, "matched search trigger pattern")
	}
	if tier, ok := r.byName["reasoning"]; ok && r.matches("reasoning", query, wantsReasoning) {
		return r.decide(tier, req, "matched reasoning trigger pattern")
	}
	if tier, ok := r.byName["lite"]; ok && promptChars(req.Messages) <= r.liteMaxChars {
		return r.decide(tier, req, "short low complexity prompt")
	}
	return r.decide(r.byName["default"], req, "default tier")
}

// pinned resolves an explicit model choice, by tier name first, then by the
// concrete model id a tier serves. "auto" and empty mean no pin.
func (r *Router) pinned(model string) (config.TierConfig, string, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if name == "" || name == "auto" {
		return config.TierConfig{}, "", false
	}
	if tier, ok := r.byName[name]; ok {
		return tier, "caller pinned tier", true
	}
	for _, tier := range r.tiers {
		if strings.EqualFold(tier.Model, model) {
			return tier, "caller pinned model", true
		}
	}
	return config.TierConfig{}, "", false
}

func (r *Router) decide(tier config.TierConfig, req *shared.CompletionRequest, reason string) Decision {
	budget := tier.MaxTokens
	if req.MaxTokens > 0 && req.MaxTokens < budget {
		budget = req.MaxTokens
	}
	return Decision{
		Model:         tier.Model,
		Endpoint:      tier.Endpoint,
		Tier:          tier.Name,
		Priority:      tier.Priority,
		MaxTokens:     budget,
		EstimatedCost: float64(shared.EstimateTokens(req.Messages) + budget),
		Reason:        reason,
	}
}

// matches applies a tier's configured trigger list when one exists, the
// built-in rule otherwise.
func (r *Router) matches(tier, query string, builtin func(string) bool) bool {
	list, ok := r.triggers[tier]
	if !ok {
		return builtin(query)
	}
	for _, kw := range list {
		if strings.Contains(query, kw) {
			return true
		}
	}
	return false
}

func wantsSearch(q string) bool {
	searchTriggers := []string{
		"weather today", "weather in", "weather for",
		"stock price", "bitcoin price", "crypto price",
		"latest news", "breaking news", "recent news",
		"current score", "game score",
		"what time is it", "current time",
	}
	for _, trigger := range searchTriggers {
		if strings.Contains(q, trigger) {
			return true
		}
	}
	return false
}

func wantsReasoning(q string) bool {
	reasoningPrefixes := []string{
		"write a function", "write code", "implement ",
		"debug ", "fix this ", "refactor ",
		"solve ", "calculate ", "compute ",
		"prove ", "derive ",
	}
	for _, prefix := range reasoningPrefixes {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}

	reasoningMarkers := []string{
		"```", "stack trace", "compile error", "segfault",
		"algorithm", "time complexity", "big o",
		"equation", "integral", "derivative", "theorem",
	}
	for _, marker := range reasoningMarkers {
		if strings.Contains(q, marker) {
			return true
		}
	}
	return false
}

func lastUserMessage(msgs []shared.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	if len(msgs) > 0 {
		return msgs[len(msgs)-1].Content
	}
	return ""
}

func promptChars(msgs []shared.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += len([]rune(m.Content))
	}
	return n
}
