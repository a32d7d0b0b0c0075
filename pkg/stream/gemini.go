package stream

import (
	"encoding/json"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/usage"
)

// geminiAdapter decodes Gemini streamGenerateContent payloads: candidate
// parts flagged with a boolean "thought" and camelCase usageMetadata. The
// reported candidatesTokenCount excludes thinking tokens, so the mapped
// usage is reconciled against the total before it is surfaced.
type geminiAdapter struct{}

func (*geminiAdapter) Frame(data []byte) (*Frame, error) {
	var payload struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text    string `json:"text"`
					Thought bool   `json:"thought"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int64           `json:"promptTokenCount"`
			CandidatesTokenCount int64           `json:"candidatesTokenCount"`
			TotalTokenCount      int64           `json:"totalTokenCount"`
			ThoughtsTokenCount   int64           `json:"thoughtsTokenCount"`
			PromptTokensDetails  json.RawMessage `json:"promptTokensDetails"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	frame := &Frame{}
	for _, candidate := range payload.Candidates {
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason != "" {
				frame.Segments = append(frame.Segments, Segment{Text: candidate.FinishReason})
			}
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text == "" {
				continue
			}
			frame.Segments = append(frame.Segments, Segment{Text: part.Text, Reasoning: part.Thought})
		}
		if candidate.FinishReason != "" {
			frame.Done = true
		}
	}

	if meta := payload.UsageMetadata; meta != nil {
		u := &usage.Usage{
			PromptTokens:     meta.PromptTokenCount,
			CompletionTokens: meta.CandidatesTokenCount,
			TotalTokens:      meta.TotalTokenCount,
			Extra:            map[string]json.RawMessage{},
		}
		if len(meta.PromptTokensDetails) > 0 {
			u.Extra["prompt_tokens_details"] = meta.PromptTokensDetails
		}
		if details, err := json.Marshal(map[string]int64{"thinking_tokens": meta.ThoughtsTokenCount}); err == nil {
			u.Extra["completion_tokens_details"] = details
		}
		frame.Usage = u
	}
	return frame, nil
}
