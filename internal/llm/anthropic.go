package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/fleveque/cover-service/internal/model"
)

// maxTurns bounds the agentic loop (search, read results, search more, submit).
const maxTurns = 5

// AnthropicClient implements Client using Claude with native web search.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a Claude-powered cover finder. Extra request
// options (base URL, retries) are passed through to the SDK.
func NewAnthropicClient(apiKey string, model string, opts ...option.RequestOption) *AnthropicClient {
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &AnthropicClient{
		client: &client,
		model:  model,
	}
}

func (a *AnthropicClient) ProviderName() string { return "anthropic" }
func (a *AnthropicClient) ModelName() string    { return a.model }

func (a *AnthropicClient) FindCoverURL(ctx context.Context, q model.BookQuery) (*CoverSearchResult, error) {
	submitTool := anthropic.ToolParam{
		Name:        submitToolName,
		Description: param.NewOpt("Submit the cover URL you found. Call this tool once you have found the best cover URL."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: submitProperties,
		},
	}

	// web_search is built in and resolved server-side; submit_cover_url is ours.
	tools := []anthropic.ToolUnionParam{
		{OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{}},
		{OfTool: &submitTool},
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(q))),
	}

	for i := 0; i < maxTurns; i++ {
		message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: 1024,
			Messages:  messages,
			Tools:     tools,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic API call: %w", err)
		}

		for _, block := range message.Content {
			toolUse, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok || toolUse.Name != submitToolName {
				continue
			}
			inputBytes, err := json.Marshal(toolUse.Input)
			if err != nil {
				return nil, fmt.Errorf("marshaling tool input: %w", err)
			}
			var result submitCoverResult
			if err := json.Unmarshal(inputBytes, &result); err != nil {
				return nil, fmt.Errorf("parsing tool input: %w", err)
			}
			return result.toResult(q)
		}

		if message.StopReason == "end_turn" {
			return nil, fmt.Errorf("%w: Claude ended without a cover for %s", ErrNoResult, q.ISBN)
		}

		messages = append(messages, message.ToParam())

		// Answer any custom tool calls other than ours; web_search results
		// are filled in by the API.
		toolResults := []anthropic.ContentBlockParamUnion{}
		for _, block := range message.Content {
			toolUse, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok || toolUse.Name == "web_search" || toolUse.Name == submitToolName {
				continue
			}
			toolResults = append(toolResults,
				anthropic.NewToolResultBlock(toolUse.ID, "Received, please continue searching.", false))
		}
		if len(toolResults) > 0 {
			messages = append(messages, anthropic.NewUserMessage(toolResults...))
		}
	}

	return nil, fmt.Errorf("%w: exceeded max turns for %s", ErrNoResult, q.ISBN)
}
