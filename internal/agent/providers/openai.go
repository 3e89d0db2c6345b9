package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/orchestrator-core/internal/agent"
	"github.com/haasonsaas/orchestrator-core/internal/backoff"
	"github.com/haasonsaas/orchestrator-core/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// maxSSELineBytes bounds a single Server-Sent-Events frame so a
// malformed or malicious gateway response can't grow bufio.Scanner's
// line buffer without limit.
const maxSSELineBytes = 1 << 20

// defaultOpenAIBaseURL is used when a provider entry leaves base_url empty.
const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements the LLMProvider interface for OpenAI-compatible
// chat-completions endpoints, including the gateway-fronted publisher
// routes that wrap streaming chunks as {status, body, cost}. The SSE
// framing is read directly off the HTTP response rather than through the
// go-openai SDK's stream reader, since the SDK can't parse that wrapper;
// the SDK's request/response wire types are still reused for marshaling.
type OpenAIProvider struct {
	apiKey        string
	baseURLValue  string
	publisherSlug string
	maxRetries    int
	httpClient    *http.Client

	// tokenSource, when set, refreshes the bearer credential before each
	// request instead of relying on the static apiKey. Used for
	// OpenAI-compatible endpoints fronted by an OAuth-issued access
	// token rather than a long-lived API key.
	tokenSource oauth2.TokenSource
	tokenMu     sync.Mutex
	cachedToken string
}

// NewOpenAIProvider creates a new OpenAI provider authenticated with a
// static API key. baseURL overrides the default api.openai.com endpoint;
// an empty string keeps the default.
func NewOpenAIProvider(apiKey string, baseURL string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:       apiKey,
		baseURLValue: baseURL,
		maxRetries:   3,
		httpClient:   &http.Client{},
	}
}

// NewOpenAIProviderWithTokenSource creates a provider whose bearer
// credential is refreshed from ts before each request, for providers
// that issue short-lived OAuth access tokens instead of a static key.
func NewOpenAIProviderWithTokenSource(ts oauth2.TokenSource, baseURL string) *OpenAIProvider {
	return &OpenAIProvider{
		baseURLValue: baseURL,
		tokenSource:  ts,
		maxRetries:   3,
		httpClient:   &http.Client{},
	}
}

// ForPublisher returns a provider scoped to one MCP publisher's routing
// path (/publishers/{slug}/chat/completions instead of /chat/completions),
// sharing the same credentials and HTTP client. It satisfies
// agent.PublisherScoped so worker.NewMcpPublisher can rewrite the request
// path without knowing the concrete provider type.
func (p *OpenAIProvider) ForPublisher(slug string) agent.LLMProvider {
	scoped := *p
	scoped.publisherSlug = slug
	return &scoped
}

// refreshClient pulls the current token from tokenSource, if configured,
// caching it so a healthy, unexpired token isn't re-fetched on every call.
func (p *OpenAIProvider) refreshClient() error {
	if p.tokenSource == nil {
		return nil
	}
	tok, err := p.tokenSource.Token()
	if err != nil {
		return fmt.Errorf("refresh oauth token: %w", err)
	}

	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()
	p.cachedToken = tok.AccessToken
	return nil
}

func (p *OpenAIProvider) credential() string {
	if p.tokenSource != nil {
		p.tokenMu.Lock()
		defer p.tokenMu.Unlock()
		return p.cachedToken
	}
	return p.apiKey
}

func (p *OpenAIProvider) baseURL() string {
	if p.baseURLValue != "" {
		return p.baseURLValue
	}
	return defaultOpenAIBaseURL
}

func (p *OpenAIProvider) completionsPath() string {
	if p.publisherSlug != "" {
		return "/publishers/" + p.publisherSlug + "/chat/completions"
	}
	return "/chat/completions"
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Models returns available OpenAI models.
func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385, SupportsVision: false},
		{ID: "gpt-4", Name: "GPT-4", ContextSize: 8192, SupportsVision: false},
	}
}

// SupportsTools returns whether OpenAI supports tool use.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete issues a streaming chat-completions POST and returns a channel
// of incremental chunks. The request is retried with backoff on
// retryable transport/status failures before the stream is handed to the
// gateway SSE scanner.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if err := p.refreshClient(); err != nil {
		return nil, err
	}
	if p.credential() == "" {
		return nil, errors.New("OpenAI API key not configured")
	}

	messages, err := p.convertToOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("failed to convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertToOpenAITools(req.Tools)
	}

	payload, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithBackoff(ctx, backoff.DefaultPolicy(), attempt); err != nil {
				return nil, err
			}
		}

		resp, lastErr = p.postChatCompletions(ctx, payload)
		if lastErr == nil {
			break
		}
		if !p.isRetryableError(lastErr) {
			return nil, fmt.Errorf("non-retryable error: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processGatewayStream(ctx, resp.Body, chunks)
	return chunks, nil
}

// postChatCompletions sends the streaming request and returns the open
// response body on success. A non-2xx status is read eagerly (bounded,
// since error bodies are never streamed) and turned into a gatewayError so
// the retry loop's isRetryableError can classify it the same way it
// classifies a mid-stream {status,body,cost} error frame.
func (p *OpenAIProvider) postChatCompletions(ctx context.Context, payload []byte) (*http.Response, error) {
	url := strings.TrimRight(p.baseURL(), "/") + p.completionsPath()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.credential())
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, p.gatewayError(resp.StatusCode, body)
	}
	return resp, nil
}

// gatewayFrame is the optional wrapper the gateway applies around an
// OpenAI-shaped streaming chunk, carrying the upstream HTTP status (for
// mid-stream errors the gateway can't surface any other way) and the
// per-chunk cost to aggregate into the terminal Complete event.
type gatewayFrame struct {
	Status *int            `json:"status,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Cost   *float64        `json:"cost,omitempty"`
}

func (p *OpenAIProvider) gatewayError(status int, body json.RawMessage) error {
	var errBody struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &errBody)
	msg := errBody.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	perr := NewProviderError(p.Name(), "", fmt.Errorf("HTTP %d: %s", status, msg)).WithStatus(status)
	if errBody.Error.Code != "" {
		perr.WithCode(errBody.Error.Code)
	}
	return perr
}

// processGatewayStream reads the \n-delimited SSE body emitted by the
// gateway, unwrapping each data: frame's optional {status, body, cost}
// envelope before decoding the OpenAI-shaped delta underneath. It
// terminates on [DONE], on a finish_reason of "stop", on a wrapper
// carrying status >= 400, or when the connection closes.
func (p *OpenAIProvider) processGatewayStream(ctx context.Context, body io.ReadCloser, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer body.Close()

	toolCalls := make(map[int]*models.ToolCall)
	var totalCost *float64
	addCost := func(c *float64) {
		if c == nil {
			return
		}
		if totalCost == nil {
			zero := 0.0
			totalCost = &zero
		}
		*totalCost += *c
	}
	flushToolCalls := func() {
		for _, tc := range toolCalls {
			if tc.ID != "" && tc.Name != "" {
				chunks <- &agent.CompletionChunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			flushToolCalls()
			chunks <- &agent.CompletionChunk{Done: true, Cost: totalCost}
			return
		}

		frameBody := json.RawMessage(payload)
		var wrapper gatewayFrame
		if err := json.Unmarshal([]byte(payload), &wrapper); err == nil && len(wrapper.Body) > 0 {
			addCost(wrapper.Cost)
			if wrapper.Status != nil && *wrapper.Status >= 400 {
				chunks <- &agent.CompletionChunk{Error: p.gatewayError(*wrapper.Status, wrapper.Body), Done: true}
				return
			}
			frameBody = wrapper.Body
		}

		var resp openai.ChatCompletionStreamResponse
		if err := json.Unmarshal(frameBody, &resp); err != nil || len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				var current string
				if toolCalls[index].Input != nil {
					current = string(toolCalls[index].Input)
				}
				toolCalls[index].Input = json.RawMessage(current + tc.Function.Arguments)
			}
		}

		switch resp.Choices[0].FinishReason {
		case "tool_calls":
			flushToolCalls()
		case "stop":
			flushToolCalls()
			chunks <- &agent.CompletionChunk{Done: true, Cost: totalCost}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: fmt.Errorf("read gateway stream: %w", err), Done: true}
		return
	}
	flushToolCalls()
	chunks <- &agent.CompletionChunk{Done: true, Cost: totalCost}
}

// convertToOpenAIMessages converts internal messages to OpenAI format.
func (p *OpenAIProvider) convertToOpenAIMessages(messages []agent.CompletionMessage, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{Role: msg.Role}

		switch msg.Role {
		case "user", "system":
			hasImages := false
			for _, att := range msg.Attachments {
				if att.Type == "image" {
					hasImages = true
					break
				}
			}

			if hasImages {
				contentParts := make([]openai.ChatMessagePart, 0)
				if msg.Content != "" {
					contentParts = append(contentParts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					})
				}
				for _, att := range msg.Attachments {
					if att.Type == "image" {
						contentParts = append(contentParts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    att.URL,
								Detail: openai.ImageURLDetailAuto,
							},
						})
					}
				}
				oaiMsg.MultiContent = contentParts
			} else {
				oaiMsg.Content = msg.Content
			}

		case "assistant":
			oaiMsg.Content = msg.Content
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}

		case "tool":
			if len(msg.ToolResults) > 0 {
				for _, tr := range msg.ToolResults {
					result = append(result, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    tr.Content,
						ToolCallID: tr.ToolCallID,
					})
				}
				continue
			}
		}

		result = append(result, oaiMsg)
	}

	return result, nil
}

// convertToOpenAITools converts internal tools to OpenAI format.
func (p *OpenAIProvider) convertToOpenAITools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

// isRetryableError classifies a transport or HTTP-status failure from the
// POST itself (not a mid-stream gateway error frame, which the stream
// scanner surfaces directly as a terminal Error chunk instead of a retry).
// gatewayError already wraps status failures as a ProviderError, so this
// delegates to the same FailoverReason classification IsRetryable uses;
// a raw transport error (connection refused, DNS failure, ...) falls back
// to ClassifyError's message scan.
func (p *OpenAIProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return IsRetryable(err)
}
