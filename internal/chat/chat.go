// Package chat defines the Chatter capability interface used to stream
// generated answers grounded on retrieved chunks, plus a default
// OpenAI-backed implementation.
//
// Grounded on the teacher's internal/embeddings/openai.go for the
// client-construction and config style; the streaming shape follows
// go-openai's chat-completion-stream API.
package chat

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	ragerrors "ragspace/internal/errors"
)

// Chatter is the capability interface the retrieval pipeline depends on
// to stream an answer grounded on a context string.
type Chatter interface {
	// Stream sends query + context to the model and invokes onToken for
	// each incremental chunk of the answer as it arrives.
	Stream(ctx context.Context, model, systemPrompt, query, contextStr string, temperature float64, onToken func(string)) error
}

// OpenAIChatter implements Chatter via OpenAI's chat completions API.
type OpenAIChatter struct {
	client *openai.Client
}

// NewOpenAIChatter constructs an OpenAIChatter.
func NewOpenAIChatter(apiKey string) *OpenAIChatter {
	return &OpenAIChatter{client: openai.NewClient(apiKey)}
}

// Stream implements Chatter.
func (c *OpenAIChatter) Stream(ctx context.Context, model, systemPrompt, query, contextStr string, temperature float64, onToken func(string)) error {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: float32(temperature),
		Stream:      true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: query + "\n\nContext:\n" + contextStr},
		},
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return ragerrors.Upstream("chat.stream", "openai chat stream failed", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return ragerrors.Upstream("chat.stream", "openai chat stream recv failed", err)
		}
		if len(resp.Choices) > 0 {
			onToken(resp.Choices[0].Delta.Content)
		}
	}
}
