package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// EinoConfig selects an OpenAI-compatible endpoint.
type EinoConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// EinoChat is a ChatModel and Judge backed by an OpenAI-compatible API.
type EinoChat struct {
	model model.BaseChatModel
}

// NewEinoChat creates the client. BaseURL may be empty for api.openai.com.
func NewEinoChat(ctx context.Context, cfg EinoConfig) (*EinoChat, error) {
	if cfg.Model == "" {
		return nil, errors.New("model name is required")
	}
	m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return &EinoChat{model: m}, nil
}

func toSchema(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, schema.SystemMessage(m.Content))
		case "assistant":
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}

// Stream returns whatever was received before a failure together with the error.
func (c *EinoChat) Stream(ctx context.Context, messages []Message, onToken func(string)) (string, error) {
	stream, err := c.model.Stream(ctx, toSchema(messages))
	if err != nil {
		return "", fmt.Errorf("failed to start stream: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), fmt.Errorf("stream interrupted: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		if onToken != nil {
			onToken(chunk.Content)
		}
	}
}

func (c *EinoChat) JudgeJSON(ctx context.Context, instruction, text string) (string, error) {
	resp, err := c.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(instruction + "\nRespond with JSON only."),
		schema.UserMessage(text),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate judgement: %w", err)
	}
	return StripFences(resp.Content), nil
}
