// Package structured turns free-form LLM completions into typed Go values.
//
// Models asked for JSON frequently wrap their answer in markdown code fences
// or surround it with prose. Decode tolerates both by stripping fences and
// falling back to the outermost {...} block before unmarshalling. Generate
// layers retries with backoff on top, re-prompting the model when a response
// cannot be decoded.
package structured

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mnemo-ai/mnemo/pkg/provider/llm"
)

// DefaultMaxAttempts is the number of completion attempts Generate makes
// before giving up.
const DefaultMaxAttempts = 3

// baseBackoff is the unit of the linear backoff between attempts: after n
// failures the next attempt waits baseBackoff * n.
const baseBackoff = 500 * time.Millisecond

// ParseError reports that a completion could not be decoded into the target
// type after all attempts. Raw holds the last raw model output for logging.
type ParseError struct {
	Attempts int
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("structured: failed to parse model output after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Validator is implemented by target types that constrain their own content
// beyond JSON shape. A Validate failure counts as a decode failure, so
// Generate re-prompts for it like any malformed output.
type Validator interface {
	Validate() error
}

// Decode parses a raw model completion into T.
//
// It first strips markdown code fences (```json ... ``` or plain ``` ... ```)
// and tries to unmarshal the remainder. If that fails, it extracts the
// outermost {...} block from the original text and tries again. A T
// implementing [Validator] is validated after unmarshalling. Returns a
// *ParseError with Attempts set to 1 when neither form yields a valid value.
func Decode[T any](raw string) (T, error) {
	var out T

	cleaned := stripFences(raw)
	if err := json.Unmarshal([]byte(cleaned), &out); err == nil {
		return validated(out, raw)
	}

	block, ok := extractObject(raw)
	if !ok {
		return out, &ParseError{Attempts: 1, Raw: raw, Err: fmt.Errorf("no JSON object found in output")}
	}
	if err := json.Unmarshal([]byte(block), &out); err != nil {
		return out, &ParseError{Attempts: 1, Raw: raw, Err: err}
	}
	return validated(out, raw)
}

// validated runs the optional Validator hook of T.
func validated[T any](out T, raw string) (T, error) {
	if v, ok := any(out).(Validator); ok {
		if err := v.Validate(); err != nil {
			var zero T
			return zero, &ParseError{Attempts: 1, Raw: raw, Err: err}
		}
	}
	return out, nil
}

// Generate requests a completion from the provider and decodes it into T,
// retrying with linear backoff when an attempt fails.
//
// Both failure modes count against the same attempt budget: provider errors
// (network, rate limits) are transient and a later call may succeed, and a
// fresh completion of undecodable output may well be valid JSON. Context
// cancellation stops the retries immediately. On exhaustion the returned
// error is a *ParseError carrying the last raw output when the final attempt
// was a decode failure, or the wrapped provider error otherwise.
func Generate[T any](ctx context.Context, provider llm.Provider, req llm.CompletionRequest) (T, error) {
	var zero T
	var lastRaw string
	var lastErr error

	for attempt := 0; attempt < DefaultMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(baseBackoff * time.Duration(attempt)):
			}
		}

		resp, err := provider.Complete(ctx, req)
		if err != nil {
			lastRaw = ""
			lastErr = fmt.Errorf("structured: completion failed: %w", err)
			continue
		}

		out, err := Decode[T](resp.Content)
		if err == nil {
			return out, nil
		}
		lastRaw = resp.Content
		lastErr = err
	}

	var pe *ParseError
	if errors.As(lastErr, &pe) {
		return zero, &ParseError{Attempts: DefaultMaxAttempts, Raw: lastRaw, Err: lastErr}
	}
	return zero, fmt.Errorf("structured: generation failed after %d attempts: %w", DefaultMaxAttempts, lastErr)
}

// stripFences removes a surrounding markdown code fence from text, if present,
// and trims whitespace. Text without fences is returned trimmed.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// extractObject returns the outermost {...} block in text, using the first
// '{' and the last '}'. Reports false when no such block exists.
func extractObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
