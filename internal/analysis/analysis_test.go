package analysis

import (
	"errors"
	"fmt"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

func TestParseModel(t *testing.T) {
	tests := []struct {
		input    string
		provider string
		model    string
		wantErr  bool
	}{
		{"gemini/gemini-2.0-flash", "gemini", "gemini-2.0-flash", false},
		{"openai/gpt-4o-mini", "openai", "gpt-4o-mini", false},
		{"no-slash", "", "", true},
		{"/model", "", "", true},
		{"provider/", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		provider, model, err := ParseModel(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseModel(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseModel(%q) failed: %v", tt.input, err)
		}
		if provider != tt.provider || model != tt.model {
			t.Fatalf("ParseModel(%q) = %q/%q, want %q/%q", tt.input, provider, model, tt.provider, tt.model)
		}
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	if _, err := NewClient("acme", "key", "model"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"openai overloaded", &openai.APIError{HTTPStatusCode: 429}, true},
		{"openai server error", &openai.APIError{HTTPStatusCode: 503}, true},
		{"openai bad request", &openai.APIError{HTTPStatusCode: 400}, false},
		{"openai unauthorized", &openai.APIError{HTTPStatusCode: 401}, false},
		{"gemini overloaded", genai.APIError{Code: 429}, true},
		{"gemini internal", genai.APIError{Code: 500}, true},
		{"gemini invalid input", genai.APIError{Code: 400}, false},
		{"wrapped transient", fmt.Errorf("analyze: %w", &openai.APIError{HTTPStatusCode: 500}), true},
		{"network timeout", timeoutErr{}, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
