package integrated

import (
	"context"
	"encoding/json"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/agentdesk/agentdesk/internal/common/errs"
)

// ModelConfig is the integrated conversation's model blob. BaseURL makes any
// OpenAI-compatible endpoint usable (local runtimes included); an empty
// APIKey falls back to the environment.
type ModelConfig struct {
	ID      string `json:"id"`
	BaseURL string `json:"baseUrl,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

// OpenAIGenerator streams chat completions from an OpenAI-compatible API.
// The endpoint and model come from the per-conversation model blob, so one
// generator instance serves every integrated conversation.
type OpenAIGenerator struct{}

// NewOpenAIGenerator creates the chat-completions backed generator.
func NewOpenAIGenerator() *OpenAIGenerator {
	return &OpenAIGenerator{}
}

// Generate runs one turn against the configured endpoint, emitting text
// deltas as they arrive. Tool calls are not requested; the integrated agent's
// tool traffic goes through MCP, not completions tools.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest, emit func(Delta)) error {
	var model ModelConfig
	if len(req.Model) > 0 {
		if err := json.Unmarshal(req.Model, &model); err != nil {
			return errs.Protocolf("invalid model config: %v", err)
		}
	}
	if model.ID == "" {
		return errs.Protocolf("model id is not configured")
	}

	var opts []option.RequestOption
	if model.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(model.BaseURL))
	}
	if model.APIKey != "" {
		opts = append(opts, option.WithAPIKey(model.APIKey))
	}
	client := openai.NewClient(opts...)

	messages := buildMessages(req)
	stream := client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model.ID),
		Messages: messages,
	})
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			emit(Delta{Kind: DeltaText, Text: text})
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return errs.ErrCanceled
		}
		return errs.Transportf("completion stream failed: %v", err)
	}
	return nil
}

// buildMessages assembles the prompt: one system message from the
// conversation settings, the persisted history, then the new input.
func buildMessages(req GenerateRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)

	if sys := systemPrompt(req); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	for _, turn := range req.History {
		if turn.Role == "user" {
			messages = append(messages, openai.UserMessage(turn.Content))
		} else {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		}
	}
	return append(messages, openai.UserMessage(req.Input))
}

func systemPrompt(req GenerateRequest) string {
	var parts []string
	if req.Workspace != "" {
		parts = append(parts, "Workspace: "+req.Workspace)
	}
	if req.Rules != "" {
		parts = append(parts, "Rules:\n"+req.Rules)
	}
	if len(req.Skills) > 0 {
		parts = append(parts, "Skills: "+strings.Join(req.Skills, ", "))
	}
	if req.Context != "" {
		parts = append(parts, "Context:\n"+req.Context)
	}
	return strings.Join(parts, "\n\n")
}
