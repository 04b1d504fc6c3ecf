package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider speaks the OpenAI-compatible chat-completions streaming
// protocol against any base URL: a hosted gateway, a local vLLM/Ollama-style
// server, or OpenAI itself.
type OpenAIProvider struct {
	name        string
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewOpenAI constructs an OpenAI-compatible provider. baseURL should not
// include a trailing slash or an endpoint suffix (e.g. "https://api.openai.com/v1").
func NewOpenAI(name, baseURL, apiKey, model string, temperature float64) *OpenAIProvider {
	return &OpenAIProvider{
		name:        name,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		httpClient:  &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// usesResponsesAPI reports whether the configured model is best served by
// the newer Responses API rather than Chat Completions.
func (p *OpenAIProvider) usesResponsesAPI() bool {
	return strings.HasPrefix(p.model, "gpt-5") || strings.HasPrefix(p.model, "o1") || strings.HasPrefix(p.model, "o3")
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	if p.usesResponsesAPI() {
		return p.chatStreamResponses(ctx, messages, tools)
	}
	return p.chatStreamCompletions(ctx, messages, tools)
}

func (p *OpenAIProvider) chatStreamCompletions(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	req := struct {
		Model         string                         `json:"model"`
		Messages      []openai.ChatCompletionMessage `json:"messages"`
		Tools         []openai.Tool                  `json:"tools,omitempty"`
		Temperature   float32                        `json:"temperature,omitempty"`
		Stream        bool                           `json:"stream"`
		StreamOptions *chatStreamOptions             `json:"stream_options,omitempty"`
	}{
		Model:         p.model,
		Messages:      mergeSystemMessagesOpenAI(toOpenAIMessages(messages)),
		Tools:         toOpenAITools(tools),
		Temperature:   float32(p.temperature),
		Stream:        true,
		StreamOptions: &chatStreamOptions{IncludeUsage: true},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion request: %w", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	respBody, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + "/chat/completions",
		body:     body,
		headers:  headers,
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer respBody.Close()
		parseSSEStream(ctx, respBody, ch)
	}()
	return ch, nil
}

func (p *OpenAIProvider) chatStreamResponses(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	temp := float32(p.temperature)
	req := responsesRequest{
		Model:       p.model,
		Input:       toResponsesInput(messages),
		Tools:       toResponsesTools(tools),
		Temperature: &temp,
		Stream:      true,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal responses request: %w", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	respBody, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + "/responses",
		body:     body,
		headers:  headers,
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer respBody.Close()
		parseResponsesSSEStream(ctx, respBody, ch)
	}()
	return ch, nil
}

// classifyOpenAIErr wraps the raw transport/status error from httpDoSSE in a
// classified *Error so the agent loop and orchestrator can branch on Kind
// without parsing strings.
func classifyOpenAIErr(err error) error {
	msg := err.Error()
	status := extractStatus(msg)
	if status == 0 {
		return NewError(KindTransient, "request failed", err)
	}
	return NewError(ClassifyStatus(status, msg), "chat completion failed", err)
}

// extractStatus pulls the HTTP status code out of the "status %d: ..." error
// strings produced by sseAttempt/httpDoSSE.
func extractStatus(msg string) int {
	const marker = "status "
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return 0
	}
	rest := msg[idx+len(marker):]
	var code int
	if _, err := fmt.Sscanf(rest, "%d", &code); err != nil {
		return 0
	}
	return code
}

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models status %d", resp.StatusCode)
	}

	var decoded struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}

	models := make([]Model, len(decoded.Data))
	for i, d := range decoded.Data {
		models[i] = Model{Name: d.ID}
	}
	return models, nil
}

func (p *OpenAIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	log.Debug().Str("provider", p.name).Msg("closed OpenAI-compatible provider")
	return nil
}
