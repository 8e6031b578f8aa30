package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type openaiGenerator struct {
	client openai.Client
	cfg    Config
}

func newOpenAIGenerator(cfg Config) *openaiGenerator {
	return &openaiGenerator{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
	}
}

func (g *openaiGenerator) Provider() string { return "openai" }

func (g *openaiGenerator) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.cfg.Model),
		Messages: messages,
	}
	if g.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(g.cfg.MaxTokens))
	}
	if g.cfg.Temperature > 0 {
		params.Temperature = openai.Float(g.cfg.Temperature)
	}

	response, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return response.Choices[0].Message.Content, nil
}
