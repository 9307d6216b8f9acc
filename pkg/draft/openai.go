package draft

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/openfroyo/playbooks/pkg/engine"
)

// OpenAIConfig configures the OpenAI-compatible generator.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAIGenerator asks a chat model for a playbook document in JSON.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  zerolog.Logger
}

var _ Generator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator creates a generator. An API key is required.
func NewOpenAIGenerator(cfg OpenAIConfig, logger zerolog.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "draft-openai").Str("model", cfg.Model).Logger(),
	}, nil
}

// Draft implements Generator.
func (g *OpenAIGenerator) Draft(ctx context.Context, prompt string) (*engine.Document, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	g.logger.Debug().Int("prompt_len", len(prompt)).Msg("Requesting draft")
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI returned no choices")
	}
	g.logger.Debug().Str("finish_reason", string(resp.Choices[0].FinishReason)).Msg("Draft received")

	doc, err := engine.DecodeDocument([]byte(stripFence(resp.Choices[0].Message.Content)))
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// stripFence removes a surrounding markdown code fence, if any.
func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = content[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(content), "```"))
}

func systemPrompt() string {
	kinds := make([]string, 0, len(engine.StepKinds()))
	for _, k := range engine.StepKinds() {
		kinds = append(kinds, string(k))
	}
	return `You write security automation playbooks as JSON documents of the form
{"version":"1.0.0","entry":"<step id>","steps":[{"id":"...","type":"...","name":"...","params":{},"onFail":"continue|stop","next":["<step id>"]}]}.
Allowed step types: ` + strings.Join(kinds, ", ") + `.
Steps form a directed acyclic graph through "next". Lookup steps read their parameter (ip, domain, indicator, lat and lon) from params or from the running context, where earlier step output is merged by key and the alert subject is available as subjectKind and subjectId.
http_get and http_post params are Go text/template strings over the running context, e.g. "https://api.example.com/{{.subjectId}}".
A branch step takes a "condition" param and may set "onTrue" and "onFalse" lists of step ids, each of which must also be in its "next".
End every path with an output step. Reply with the JSON document only.`
}
