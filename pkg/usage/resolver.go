package usage

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/config"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/logutil"
)

// ErrEstimation marks a failed token estimation. Billing must never
// under-report, so callers treat it as fatal to the request.
var ErrEstimation = errors.New("usage estimation failed")

var errEmptyConversation = errors.New("conversation has no messages")

// Encoder tokenizes text. *tiktoken.Tiktoken satisfies it.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// Resolver decides between provider-reported usage and a local token
// estimate. Encoder lookups are cached, including the fallback mapping for
// model ids tiktoken does not know.
type Resolver struct {
	cfg config.TokenizerConfig
	log interface {
		Warn(msg any, kv ...any)
		Error(msg any, kv ...any)
	}
	lookup func(modelID string) (Encoder, error)

	mu       sync.Mutex
	encoders map[string]Encoder
	fallback map[string]struct{}
}

func NewResolver(cfg config.TokenizerConfig) *Resolver {
	return &Resolver{
		cfg: cfg,
		log: logutil.Component("usage"),
		lookup: func(modelID string) (Encoder, error) {
			return tiktoken.EncodingForModel(modelID)
		},
		encoders: map[string]Encoder{},
		fallback: map[string]struct{}{},
	}
}

// Resolve returns the usage for a conversation. When the final message
// already carries a usage object it is trusted as-is (after reconciling
// the total); otherwise every other message plus deduplicated source
// documents are tokenized as prompt and the final message as completion.
func (r *Resolver) Resolve(body *Body) (Usage, error) {
	if body == nil || len(body.Messages) == 0 {
		return Usage{}, fmt.Errorf("%w: %w", ErrEstimation, errEmptyConversation)
	}
	last := body.Messages[len(body.Messages)-1]
	if last.Usage != nil {
		out := *last.Usage
		out.Reconcile()
		return out, nil
	}

	r.log.Warn("no usage info, estimating", "model", body.Model)
	enc, err := r.encoderFor(body.Model)
	if err != nil {
		r.log.Error("encoder lookup failed", "model", body.Model, "error", err)
		return Usage{}, fmt.Errorf("%w: %w", ErrEstimation, err)
	}

	var out Usage
	seenSources := map[string]struct{}{}
	for i, msg := range body.Messages {
		if i < len(body.Messages)-1 {
			out.PromptTokens += int64(len(enc.Encode(msg.Content, nil, nil)))
		}
		for _, src := range msg.Sources {
			if _, dup := seenSources[src.Source.ID]; dup {
				continue
			}
			seenSources[src.Source.ID] = struct{}{}
			for _, doc := range src.Document {
				out.PromptTokens += int64(len(enc.Encode(doc, nil, nil)))
			}
		}
	}
	out.CompletionTokens = int64(len(enc.Encode(last.Content, nil, nil)))
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	return out, nil
}

// encoderFor resolves a model id to an encoder: strip the configured
// prefix, use the cached encoder if present, otherwise register it;
// unknown ids fall back to the default model's encoder and the miss is
// memoized so later lookups skip the registry entirely.
func (r *Resolver) encoderFor(modelID string) (Encoder, error) {
	if r.cfg.IgnoreModelEncoding {
		return r.defaultEncoder()
	}
	id := strings.TrimSpace(modelID)
	if r.cfg.ModelPrefixToRemove != "" {
		id = strings.TrimPrefix(id, r.cfg.ModelPrefixToRemove)
	}
	if id == "" {
		return r.defaultEncoder()
	}

	r.mu.Lock()
	enc, ok := r.encoders[id]
	_, missing := r.fallback[id]
	r.mu.Unlock()
	if ok {
		return enc, nil
	}
	if missing {
		return r.defaultEncoder()
	}

	enc, err := r.lookup(id)
	if err != nil {
		r.mu.Lock()
		r.fallback[id] = struct{}{}
		r.mu.Unlock()
		return r.defaultEncoder()
	}
	r.mu.Lock()
	r.encoders[id] = enc
	r.mu.Unlock()
	return enc, nil
}

func (r *Resolver) defaultEncoder() (Encoder, error) {
	model := r.cfg.DefaultModel
	r.mu.Lock()
	enc, ok := r.encoders[model]
	r.mu.Unlock()
	if ok {
		return enc, nil
	}
	enc, err := r.lookup(model)
	if err != nil {
		return nil, fmt.Errorf("default model %q has no encoder: %w", model, err)
	}
	r.mu.Lock()
	r.encoders[model] = enc
	r.mu.Unlock()
	return enc, nil
}
