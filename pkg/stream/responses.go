package stream

import (
	"encoding/json"
	"strings"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/usage"
)

// responsesAdapter decodes the typed response.* events of the OpenAI
// Responses API. Reasoning summary deltas become reasoning segments, output
// text deltas become answer segments, and intermediate phase transitions
// ("response.web_search_call.in_progress" and friends) surface as status
// events instead of content.
type responsesAdapter struct{}

func (*responsesAdapter) Frame(data []byte) (*Frame, error) {
	var event struct {
		Type     string `json:"type"`
		Delta    string `json:"delta"`
		Response struct {
			Usage *struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
				TotalTokens  int64 `json:"total_tokens"`
			} `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}

	switch event.Type {
	case "response.reasoning_summary_text.delta":
		return &Frame{Segments: []Segment{{Text: event.Delta, Reasoning: true}}}, nil
	case "response.output_text.delta":
		return &Frame{Segments: []Segment{{Text: event.Delta}}}, nil
	case "response.completed":
		frame := &Frame{Done: true}
		if u := event.Response.Usage; u != nil {
			frame.Usage = &usage.Usage{
				PromptTokens:     u.InputTokens,
				CompletionTokens: u.OutputTokens,
				TotalTokens:      u.TotalTokens,
			}
		}
		return frame, nil
	}

	// "response.<phase>.in_progress" / "response.<phase>.completed"
	if strings.HasSuffix(event.Type, ".in_progress") || strings.HasSuffix(event.Type, ".completed") {
		parts := strings.Split(event.Type, ".")[1:]
		if len(parts) == 2 {
			return &Frame{Status: &Status{
				Description: strings.Join(parts, " "),
				Done:        parts[1] == "completed",
			}}, nil
		}
	}
	return nil, nil
}
