package stream

import (
	"encoding/json"
	"strings"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/usage"
)

// openRouterAdapter decodes OpenAI-compatible chat completion chunks where
// reasoning arrives either in a delta "reasoning" field (OpenRouter) or a
// "reasoning_content" field (DeepSeek). Some models additionally emit
// literal think tags inside regular content; those are translated into
// reasoning-tagged segments so the boundary machine stays authoritative.
type openRouterAdapter struct {
	inlineThinking bool
}

func (a *openRouterAdapter) Frame(data []byte) (*Frame, error) {
	var payload struct {
		Choices []struct {
			Delta struct {
				Content          string `json:"content"`
				Reasoning        string `json:"reasoning"`
				ReasoningContent string `json:"reasoning_content"`
			} `json:"delta"`
		} `json:"choices"`
		Usage *usage.Usage `json:"usage"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	frame := &Frame{Usage: payload.Usage}
	if len(payload.Choices) == 0 {
		return frame, nil
	}
	delta := payload.Choices[0].Delta

	reasoning := delta.Reasoning
	if reasoning == "" {
		reasoning = delta.ReasoningContent
	}
	if reasoning != "" {
		frame.Segments = append(frame.Segments, Segment{Text: reasoning, Reasoning: true})
		return frame, nil
	}

	content := delta.Content
	switch {
	case strings.HasPrefix(content, BeginThinking):
		a.inlineThinking = true
		content = strings.TrimPrefix(content, BeginThinking)
	case strings.HasPrefix(content, "</think>"):
		a.inlineThinking = false
		content = strings.TrimPrefix(content, "</think>")
	}
	if content != "" {
		frame.Segments = append(frame.Segments, Segment{Text: content, Reasoning: a.inlineThinking})
	}
	return frame, nil
}
