// Package fixer turns a BugReport and the file it points at into a gated,
// locality-checked FixAttempt.
//
// Patches come from interchangeable providers (CLI-backed models or a
// function in tests) tried in order through a Cascade. Every provider is
// wrapped identically: per-call timeout, a single retry, spacing between
// requests and health tracking. The Generator then validates the patch
// before it is allowed anywhere near a commit.
package fixer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/lucasnoah/cihealer/internal/healerr"
)

// Prompt is what a provider receives.
type Prompt struct {
	System string
	User   string
}

// Text joins system and user prompt for providers that take a single stdin stream.
func (p Prompt) Text() string {
	if p.System == "" {
		return p.User
	}
	return p.System + "\n\n" + p.User
}

// Response is a provider's structured proposal.
type Response struct {
	PatchedContent string  `json:"patched_content"`
	Confidence     float64 `json:"confidence_score"`
	FixReason      string  `json:"fix_reason"`
	SubType        string  `json:"sub_type"`
}

// Provider produces a patch proposal for a prompt.
type Provider interface {
	Name() string
	Fix(ctx context.Context, p Prompt) (Response, error)
}

// FuncProvider adapts a function to Provider.
type FuncProvider struct {
	ProviderName string
	Func         func(ctx context.Context, p Prompt) (Response, error)
}

func (f *FuncProvider) Name() string { return f.ProviderName }

func (f *FuncProvider) Fix(ctx context.Context, p Prompt) (Response, error) {
	return f.Func(ctx, p)
}

// StaticProvider returns a provider that always answers with resp.
func StaticProvider(name string, resp Response) *FuncProvider {
	return &FuncProvider{ProviderName: name, Func: func(context.Context, Prompt) (Response, error) {
		return resp, nil
	}}
}

// rawResponse keeps confidence loose: some models quote numbers.
type rawResponse struct {
	PatchedContent *string         `json:"patched_content"`
	Confidence     json.RawMessage `json:"confidence_score"`
	FixReason      string          `json:"fix_reason"`
	SubType        string          `json:"sub_type"`
}

// ParseResponse decodes model text into a Response. Markdown fences and
// surrounding prose are tolerated; confidence is clamped to [0,1].
func ParseResponse(text string) (Response, error) {
	body := extractJSONObject(stripCodeFence(text))
	if body == "" {
		return Response{}, fmt.Errorf("no JSON object in response")
	}
	var raw rawResponse
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if raw.PatchedContent == nil || *raw.PatchedContent == "" {
		return Response{}, fmt.Errorf("response has no patched_content")
	}
	conf, err := parseConfidence(raw.Confidence)
	if err != nil {
		return Response{}, err
	}
	return Response{
		PatchedContent: *raw.PatchedContent,
		Confidence:     conf,
		FixReason:      strings.TrimSpace(raw.FixReason),
		SubType:        strings.TrimSpace(raw.SubType),
	}, nil
}

func parseConfidence(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("response has no confidence_score")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("confidence_score: %w", err)
		}
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &f); err != nil {
			return 0, fmt.Errorf("confidence_score %q: %w", s, err)
		}
	}
	return clamp01(f), nil
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractJSONObject returns the outermost {...} span of s.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

// normalizeResponse validates a provider's decoded response.
func normalizeResponse(name string, resp Response) (Response, error) {
	if resp.PatchedContent == "" {
		return Response{}, &healerr.ProviderError{Provider: name, Kind: healerr.ProviderInvalid, Err: fmt.Errorf("empty patched_content")}
	}
	resp.Confidence = clamp01(resp.Confidence)
	return resp, nil
}
