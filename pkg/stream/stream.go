// Package stream normalizes heterogeneous provider event streams into one
// canonical chat-completion chunk sequence. Each provider has an Adapter
// that translates its event taxonomy into the shared text/reasoning shape;
// the stream itself tracks the reasoning/answer boundary and injects the
// think markers the chat client understands.
package stream

import (
	"fmt"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/usage"
)

// Markers delimiting a reasoning block in the canonical stream.
const (
	BeginThinking = "<think>"
	EndThinking   = "</think>\n\n"
)

// Chunk is the provider-agnostic unit of streamed output.
type Chunk struct {
	ID        string
	Model     string
	Created   int64
	Delta     string
	Reasoning bool
	Finished  bool
	Usage     *usage.Usage
}

// Status is a side-channel progress event ("web_search in_progress" and the
// like). It never carries content and never participates in the reasoning
// boundary.
type Status struct {
	Description string
	Done        bool
}

// Event is one delivery from a Stream: either a content/usage chunk or a
// status event, never both.
type Event struct {
	Chunk  *Chunk
	Status *Status
}

// Segment is one run of text from a provider frame, tagged as reasoning or
// answer content.
type Segment struct {
	Text      string
	Reasoning bool
}

// Frame is the decoded form of a single provider payload. A frame may carry
// any combination of text segments, a usage report, a status event and a
// terminal signal.
type Frame struct {
	Segments []Segment
	Usage    *usage.Usage
	Status   *Status
	Done     bool
}

// Adapter decodes one provider's raw SSE payloads into Frames. Adapters may
// keep per-stream state, so callers obtain a fresh one per request via
// ForProvider. A nil frame with nil error means the payload carried nothing
// of interest.
type Adapter interface {
	Frame(data []byte) (*Frame, error)
}

// ForProvider returns a fresh adapter for the given provider type.
func ForProvider(providerType string) (Adapter, error) {
	switch providerType {
	case config.ProviderTypeOpenRouter:
		return &openRouterAdapter{}, nil
	case config.ProviderTypeOpenAIResponses:
		return &responsesAdapter{}, nil
	case config.ProviderTypeGemini:
		return &geminiAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", providerType)
	}
}

type thinkingState int

const (
	stateNotStarted thinkingState = iota
	stateReasoning
	stateAnswered
)

// boundary is the per-stream reasoning state machine. It decides which
// marker, if any, must precede the next text segment. Markers are emitted
// at most once each, and only for streams that actually carry reasoning.
type boundary struct {
	state thinkingState
}

// step advances the machine for a segment and returns the marker to emit
// before its text, if any.
func (b *boundary) step(seg Segment) (marker string, emit bool) {
	if seg.Text == "" {
		return "", false
	}
	if seg.Reasoning && b.state == stateNotStarted {
		b.state = stateReasoning
		return BeginThinking, true
	}
	if !seg.Reasoning && b.state == stateReasoning {
		b.state = stateAnswered
		return EndThinking, true
	}
	return "", false
}
