package usage

import (
	"encoding/json"
)

// Usage holds the token counts reported by a provider or computed by the
// Resolver. Provider payloads often carry extra vendor fields; those are
// kept verbatim in Extra so the raw object can be re-serialized for the
// usage record.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Extra            map[string]json.RawMessage
}

// Reconcile enforces prompt + completion == total. When a source reports
// inconsistent counts, completion is recomputed from the other two. Calling
// it on an already-consistent usage is a no-op.
func (u *Usage) Reconcile() {
	if u == nil {
		return
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		return
	}
	if u.PromptTokens+u.CompletionTokens != u.TotalTokens {
		u.CompletionTokens = u.TotalTokens - u.PromptTokens
	}
}

func (u *Usage) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*u = Usage{}
	for key, val := range raw {
		switch key {
		case "prompt_tokens":
			if err := json.Unmarshal(val, &u.PromptTokens); err != nil {
				return err
			}
		case "completion_tokens":
			if err := json.Unmarshal(val, &u.CompletionTokens); err != nil {
				return err
			}
		case "total_tokens":
			if err := json.Unmarshal(val, &u.TotalTokens); err != nil {
				return err
			}
		default:
			if u.Extra == nil {
				u.Extra = map[string]json.RawMessage{}
			}
			u.Extra[key] = val
		}
	}
	return nil
}

func (u Usage) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(u.Extra)+3)
	for k, v := range u.Extra {
		out[k] = v
	}
	var err error
	if out["prompt_tokens"], err = json.Marshal(u.PromptTokens); err != nil {
		return nil, err
	}
	if out["completion_tokens"], err = json.Marshal(u.CompletionTokens); err != nil {
		return nil, err
	}
	if out["total_tokens"], err = json.Marshal(u.TotalTokens); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// SourceRef identifies an attached context document's origin.
type SourceRef struct {
	ID string `json:"id"`
}

// Source is a retrieval/context attachment on a message. Documents from
// the same source id are billed only once per conversation.
type Source struct {
	Source   SourceRef `json:"source"`
	Document []string  `json:"document"`
}

type Message struct {
	ID        string   `json:"id,omitempty"`
	Role      string   `json:"role,omitempty"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Usage     *Usage   `json:"usage,omitempty"`
	Sources   []Source `json:"sources,omitempty"`
}

// Body is the conversation payload delivered to the outlet endpoint.
type Body struct {
	ChatID   string    `json:"chat_id"`
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}
