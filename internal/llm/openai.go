package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fleveque/cover-service/internal/model"
)

// OpenAIClient implements Client using OpenAI function calling.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a new OpenAI-powered cover finder.
func NewOpenAIClient(apiKey string, model string) *OpenAIClient {
	return NewOpenAIClientWithConfig(openai.DefaultConfig(apiKey), model)
}

// NewOpenAIClientWithConfig creates a client from a full SDK config
// (custom base URL, HTTP client).
func NewOpenAIClientWithConfig(cfg openai.ClientConfig, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (o *OpenAIClient) ProviderName() string { return "openai" }
func (o *OpenAIClient) ModelName() string    { return o.model }

func (o *OpenAIClient) FindCoverURL(ctx context.Context, q model.BookQuery) (*CoverSearchResult, error) {
	tools := []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        submitToolName,
				Description: "Submit the cover URL found for the book. Call this once you have found the best cover URL.",
				Parameters: map[string]interface{}{
					"type":       "object",
					"properties": submitProperties,
					"required":   []string{"cover_url", "confidence"},
				},
			},
		},
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleSystem,
			Content: `You are a book cover finder. Find the front cover image for a given ISBN.
Return the direct image URL via the submit_cover_url function. Prefer large images from publishers or catalogues.`,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: buildPrompt(q),
		},
	}

	for i := 0; i < maxTurns; i++ {
		resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    o.model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, fmt.Errorf("openai API call: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai returned no choices")
		}

		choice := resp.Choices[0]
		if len(choice.Message.ToolCalls) > 0 {
			messages = append(messages, choice.Message)

			for _, toolCall := range choice.Message.ToolCalls {
				if toolCall.Function.Name == submitToolName {
					var result submitCoverResult
					if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &result); err != nil {
						return nil, fmt.Errorf("parsing tool arguments: %w", err)
					}
					return result.toResult(q)
				}

				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    "Received. Please continue and call submit_cover_url with the cover URL.",
					ToolCallID: toolCall.ID,
				})
			}
			continue
		}

		if choice.FinishReason == openai.FinishReasonStop {
			return nil, fmt.Errorf("%w: OpenAI ended without a cover for %s", ErrNoResult, q.ISBN)
		}
	}

	return nil, fmt.Errorf("%w: exceeded max turns for %s", ErrNoResult, q.ISBN)
}
