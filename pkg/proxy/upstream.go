package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
)

// chatRequest is the decoded incoming chat completion request. The raw
// payload is kept alongside the typed fields so OpenAI-compatible upstreams
// receive the caller's extra parameters untouched.
type chatRequest struct {
	Model               string
	ChatID              string
	Stream              bool
	Messages            []chatMessage
	MaxTokens           int
	MaxCompletionTokens int
	ReasoningEffort     string
	Tools               json.RawMessage

	payload map[string]json.RawMessage
}

type chatMessage struct {
	Role    string
	Content json.RawMessage
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

func parseChatRequest(body []byte) (*chatRequest, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("request body required")
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid json")
	}
	req := &chatRequest{payload: payload}

	if raw, ok := payload["model"]; ok {
		_ = json.Unmarshal(raw, &req.Model)
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if raw, ok := payload["chat_id"]; ok {
		_ = json.Unmarshal(raw, &req.ChatID)
	}
	if raw, ok := payload["stream"]; ok {
		_ = json.Unmarshal(raw, &req.Stream)
	}
	if raw, ok := payload["max_tokens"]; ok {
		_ = json.Unmarshal(raw, &req.MaxTokens)
	}
	if raw, ok := payload["max_completion_tokens"]; ok {
		_ = json.Unmarshal(raw, &req.MaxCompletionTokens)
	}
	if raw, ok := payload["reasoning_effort"]; ok {
		_ = json.Unmarshal(raw, &req.ReasoningEffort)
	}
	if raw, ok := payload["tools"]; ok {
		req.Tools = raw
	}

	raw, ok := payload["messages"]
	if !ok {
		return nil, fmt.Errorf("messages are required")
	}
	var messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("invalid messages")
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return req, nil
}

// text flattens a message's content, which arrives either as a plain string
// or as a list of typed parts, into its text.
func (m chatMessage) text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// resolveProvider maps an incoming model id to a configured provider. A
// "provider.model" prefix wins; otherwise the provider whose model list
// contains the id is used.
func resolveProvider(cfg config.ServerConfig, model string) (config.ProviderConfig, string, error) {
	if i := strings.IndexByte(model, '.'); i > 0 {
		name := model[:i]
		for _, p := range cfg.Providers {
			if p.Name == name {
				return p, model[i+1:], nil
			}
		}
	}
	for _, p := range cfg.Providers {
		for _, m := range p.Models {
			if m == model {
				return p, model, nil
			}
		}
	}
	return config.ProviderConfig{}, "", fmt.Errorf("no provider configured for model %q", model)
}

// buildUpstreamRequest translates the incoming request into the provider's
// own wire shape. Upstreams are always asked to stream; non-streaming
// client responses are aggregated locally.
func buildUpstreamRequest(ctx context.Context, p config.ProviderConfig, req *chatRequest, upstreamModel string) (*http.Request, error) {
	switch p.Type {
	case config.ProviderTypeOpenRouter:
		return buildOpenRouterRequest(ctx, p, req, upstreamModel)
	case config.ProviderTypeOpenAIResponses:
		return buildResponsesRequest(ctx, p, req, upstreamModel)
	case config.ProviderTypeGemini:
		return buildGeminiRequest(ctx, p, req, upstreamModel)
	default:
		return nil, fmt.Errorf("unknown provider type %q", p.Type)
	}
}

func buildOpenRouterRequest(ctx context.Context, p config.ProviderConfig, req *chatRequest, upstreamModel string) (*http.Request, error) {
	payload := make(map[string]json.RawMessage, len(req.payload)+3)
	for k, v := range req.payload {
		payload[k] = v
	}
	delete(payload, "chat_id")
	var err error
	if payload["model"], err = json.Marshal(upstreamModel); err != nil {
		return nil, err
	}
	if payload["stream"], err = json.Marshal(true); err != nil {
		return nil, err
	}
	if p.EnableReasoning {
		if payload["reasoning"], err = json.Marshal(map[string]bool{"exclude": false}); err != nil {
			return nil, err
		}
	}
	if payload["stream_options"], err = json.Marshal(map[string]bool{"include_usage": true}); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	return httpReq, nil
}

func buildResponsesRequest(ctx context.Context, p config.ProviderConfig, req *chatRequest, upstreamModel string) (*http.Request, error) {
	input := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		var s string
		if err := json.Unmarshal(m.Content, &s); err == nil {
			input = append(input, map[string]any{"role": m.Role, "content": s})
			continue
		}
		var parts []contentPart
		if err := json.Unmarshal(m.Content, &parts); err != nil {
			return nil, fmt.Errorf("invalid message content")
		}
		content := make([]map[string]any, 0, len(parts))
		for _, part := range parts {
			switch part.Type {
			case "text":
				content = append(content, map[string]any{"type": "input_text", "text": part.Text})
			case "image_url":
				content = append(content, map[string]any{"type": "input_image", "image_url": part.ImageURL.URL})
			default:
				return nil, fmt.Errorf("invalid message content type %q", part.Type)
			}
		}
		input = append(input, map[string]any{"role": m.Role, "content": content})
	}

	effort := req.ReasoningEffort
	if effort == "" {
		effort = p.ReasoningEffort
	}
	payload := map[string]any{
		"model":  upstreamModel,
		"input":  input,
		"stream": true,
		"store":  false,
		"reasoning": map[string]string{
			"effort":  effort,
			"summary": p.Summary,
		},
	}
	if req.MaxCompletionTokens > 0 {
		payload["max_output_tokens"] = req.MaxCompletionTokens
	} else if req.MaxTokens > 0 {
		payload["max_output_tokens"] = req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	return httpReq, nil
}

func buildGeminiRequest(ctx context.Context, p config.ProviderConfig, req *chatRequest, upstreamModel string) (*http.Request, error) {
	systemParts := []map[string]any{}
	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts, err := geminiParts(m)
		if err != nil {
			return nil, err
		}
		if m.Role == "system" {
			systemParts = append(systemParts, parts...)
			continue
		}
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	payload := map[string]any{
		"contents": contents,
		"generationConfig": map[string]any{
			"thinkingConfig": map[string]any{
				"thinkingBudget":  p.ThinkingBudget,
				"includeThoughts": true,
			},
		},
	}
	if len(systemParts) > 0 {
		payload["system_instruction"] = map[string]any{"parts": systemParts}
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse", p.BaseURL, upstreamModel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("x-goog-api-key", p.APIKey)
	}
	return httpReq, nil
}

func geminiParts(m chatMessage) ([]map[string]any, error) {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []map[string]any{{"text": s}}, nil
	}
	var list []contentPart
	if err := json.Unmarshal(m.Content, &list); err != nil {
		return nil, fmt.Errorf("invalid message content")
	}
	parts := make([]map[string]any, 0, len(list))
	for _, part := range list {
		switch part.Type {
		case "text":
			parts = append(parts, map[string]any{"text": part.Text})
		case "image_url":
			mime, data, err := splitDataURL(part.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			parts = append(parts, map[string]any{
				"inline_data": map[string]any{"mime_type": mime, "data": data},
			})
		default:
			return nil, fmt.Errorf("invalid message content type %q", part.Type)
		}
	}
	return parts, nil
}

// splitDataURL decodes "data:<mime>;base64,<payload>" into its mime type
// and raw base64 payload.
func splitDataURL(u string) (mime string, data string, err error) {
	header, encoded, found := strings.Cut(u, ",")
	if !found {
		return "", "", fmt.Errorf("invalid image data url")
	}
	header = strings.TrimPrefix(header, "data:")
	mime, _, _ = strings.Cut(header, ";")
	if mime == "" {
		return "", "", fmt.Errorf("invalid image data url")
	}
	return mime, encoded, nil
}
