package analysis

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openaiClient struct {
	client *openai.Client
	model  string
}

func newOpenAIClient(apiKey, model string, opts *clientOptions) (*openaiClient, error) {
	config := openai.DefaultConfig(apiKey)
	if opts.baseURL != "" {
		config.BaseURL = opts.baseURL
	}
	return &openaiClient{client: openai.NewClientWithConfig(config), model: model}, nil
}

// Analyze runs a two-step pipeline: Whisper transcription of the audio,
// then a chat completion applying the instruction prompt to the transcript.
func (c *openaiClient) Analyze(ctx context.Context, req Request) (string, error) {
	if len(req.Audio) == 0 {
		return "", fmt.Errorf("openai: no audio provided")
	}

	transcription, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: fileNameForMime(req.MimeType),
		Reader:   bytes.NewReader(req.Audio),
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}

	transcript := strings.TrimSpace(transcription.Text)
	if transcript == "" {
		return "", fmt.Errorf("openai: empty transcription")
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.Prompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai analysis: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices in response")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// fileNameForMime gives the transcription API a file name whose extension
// matches the payload; the bytes come from the reader.
func fileNameForMime(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "wav"):
		return "audio.wav"
	case strings.Contains(mimeType, "webm"):
		return "audio.webm"
	case strings.Contains(mimeType, "ogg"):
		return "audio.ogg"
	default:
		return "audio.mp3"
	}
}
