package bot

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const personaTemplate = `You are %s, a regular in a small chat server.
Speak like a person in a chatroom: casual, punchy, one to three sentences.
Reference earlier messages naturally when it helps. Never write essays and
never mention being an AI.`

// NewLLMReply returns a ReplyFunc backed by an OpenAI-compatible
// chat-completions endpoint. baseURL may point at any compatible
// provider; empty means the default OpenAI endpoint.
func NewLLMReply(apiKey, model, baseURL, botName string) ReplyFunc {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	system := fmt.Sprintf(personaTemplate, botName)

	return func(ctx context.Context, turns []Turn) (string, error) {
		messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
		messages = append(messages, openai.SystemMessage(system))
		for _, t := range turns {
			if t.Role == "assistant" {
				messages = append(messages, openai.AssistantMessage(t.Content))
			} else {
				messages = append(messages, openai.UserMessage(t.Content))
			}
		}

		completion, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:               openai.ChatModel(model),
			Messages:            messages,
			Temperature:         openai.Float(0.8),
			MaxCompletionTokens: openai.Int(1024),
		})
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", errors.New("chat completion returned no choices")
		}
		return completion.Choices[0].Message.Content, nil
	}
}
