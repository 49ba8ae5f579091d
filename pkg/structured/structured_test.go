package structured

import (
	"context"
	"errors"
	"testing"

	"github.com/mnemo-ai/mnemo/pkg/provider/llm"
	llmmock "github.com/mnemo-ai/mnemo/pkg/provider/llm/mock"
)

type label struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    label
		wantErr bool
	}{
		{
			name: "plain json",
			raw:  `{"name": "Travel", "summary": "Planning a trip."}`,
			want: label{Name: "Travel", Summary: "Planning a trip."},
		},
		{
			name: "json fence",
			raw:  "```json\n{\"name\": \"Travel\", \"summary\": \"Planning a trip.\"}\n```",
			want: label{Name: "Travel", Summary: "Planning a trip."},
		},
		{
			name: "bare fence",
			raw:  "```\n{\"name\": \"Travel\", \"summary\": \"Planning a trip.\"}\n```",
			want: label{Name: "Travel", Summary: "Planning a trip."},
		},
		{
			name: "surrounding prose",
			raw:  "Sure! Here is the JSON you asked for:\n{\"name\": \"Travel\", \"summary\": \"Planning a trip.\"}\nLet me know if you need anything else.",
			want: label{Name: "Travel", Summary: "Planning a trip."},
		},
		{
			name:    "no json at all",
			raw:     "I cannot produce JSON for that request.",
			wantErr: true,
		},
		{
			name:    "malformed object",
			raw:     `{"name": "Travel", "summary":`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Decode[label](tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Decode(%q) succeeded, want error", tc.raw)
				}
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("Decode error = %v, want *ParseError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) error: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Errorf("Decode(%q) = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}

type rating struct {
	Score int `json:"score"`
}

func (r rating) Validate() error {
	if r.Score < 1 || r.Score > 10 {
		return errors.New("score out of range")
	}
	return nil
}

func TestDecodeValidatorHook(t *testing.T) {
	t.Parallel()

	got, err := Decode[rating](`{"score": 7}`)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got.Score != 7 {
		t.Errorf("score = %d, want 7", got.Score)
	}

	_, err = Decode[rating](`{"score": 42}`)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Decode error = %v, want *ParseError from validation", err)
	}
}

func TestGenerateRetriesOnBadOutput(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{Content: "not json"},
			{Content: `{"name": "Cooking", "summary": "Pasta recipes."}`},
		},
	}

	got, err := Generate[label](context.Background(), p, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if got.Name != "Cooking" {
		t.Errorf("got name %q, want %q", got.Name, "Cooking")
	}
	if len(p.CompleteCalls) != 2 {
		t.Errorf("provider called %d times, want 2", len(p.CompleteCalls))
	}
}

func TestGenerateExhaustsAttempts(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "still not json"},
	}

	_, err := Generate[label](context.Background(), p, llm.CompletionRequest{})
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Generate error = %v, want *ParseError", err)
	}
	if pe.Attempts != DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", pe.Attempts, DefaultMaxAttempts)
	}
	if pe.Raw != "still not json" {
		t.Errorf("raw = %q, want last model output", pe.Raw)
	}
	if len(p.CompleteCalls) != DefaultMaxAttempts {
		t.Errorf("provider called %d times, want %d", len(p.CompleteCalls), DefaultMaxAttempts)
	}
}

func TestGenerateRetriesProviderError(t *testing.T) {
	t.Parallel()

	calls := 0
	p := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection reset")
			}
			return &llm.CompletionResponse{Content: `{"name": "Cooking", "summary": "Pasta recipes."}`}, nil
		},
	}

	got, err := Generate[label](context.Background(), p, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if got.Name != "Cooking" {
		t.Errorf("got name %q, want %q", got.Name, "Cooking")
	}
	if len(p.CompleteCalls) != 2 {
		t.Errorf("provider called %d times, want 2", len(p.CompleteCalls))
	}
}

func TestGenerateExhaustsProviderErrors(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteErr: errors.New("connection refused"),
	}

	_, err := Generate[label](context.Background(), p, llm.CompletionRequest{})
	if err == nil {
		t.Fatal("Generate succeeded, want error")
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		t.Errorf("Generate error = %v, want a plain provider failure, not *ParseError", err)
	}
	if len(p.CompleteCalls) != DefaultMaxAttempts {
		t.Errorf("provider called %d times, want %d", len(p.CompleteCalls), DefaultMaxAttempts)
	}
}
