package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/stream"
	"github.com/OVINC-CN/OpenWebUIPlugin/pkg/usage"
)

const maxChatBodyBytes = 8 << 20

// handleModels lists every configured model under its routable
// "provider.model" id.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()
	models := []map[string]any{}
	for _, p := range cfg.Providers {
		for _, m := range p.Models {
			models = append(models, map[string]any{
				"id":       p.Name + "." + m,
				"object":   "model",
				"owned_by": p.Name,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body failed")
		return
	}
	req, err := parseChatRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Identity headers are optional: requests from plain OpenAI clients
	// carry none and bypass both admission and billing.
	user := userFromHeaders(r)
	if user.ID != "" {
		decision, err := s.gate.Admit(r.Context(), user.ID)
		if err != nil {
			s.log.Error("admission check failed", "user", user.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !decision.Allowed {
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests,
				fmt.Sprintf("too many requests (%d), please retry after %ds", decision.Count, retryAfter))
			return
		}
		balance, err := s.ledger.GetOrCreateBalance(user.ID, user.Name, user.Email)
		if err != nil {
			s.log.Error("balance lookup failed", "user", user.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "balance lookup failed")
			return
		}
		if balance.Balance.Sign() <= 0 {
			writeError(w, http.StatusPaymentRequired, "no balance, please contact administrator")
			return
		}
	}

	provider, upstreamModel, err := resolveProvider(cfg, req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	adapter, err := stream.ForProvider(provider.Type)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	upReq, err := buildUpstreamRequest(r.Context(), provider, req, upstreamModel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	client := &http.Client{Timeout: time.Duration(provider.TimeoutSeconds) * time.Second}
	resp, err := client.Do(upReq)
	if err != nil {
		s.log.Error("upstream request failed", "provider", provider.Name, "error", err)
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	st, err := stream.Open(r.Context(), adapter, resp, req.Model)
	if err != nil {
		var ue *stream.UpstreamError
		if errors.As(err, &ue) {
			s.log.Warn("upstream rejected request",
				"provider", provider.Name, "status", ue.Status, "body", ue.Body)
			writeError(w, http.StatusBadGateway,
				fmt.Sprintf("upstream returned status %d", ue.Status))
			return
		}
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer st.Close()

	if req.Stream {
		s.streamCompletion(w, st, req, user)
		return
	}
	s.aggregateCompletion(w, st, req, user)
}

// statusEvent mirrors the event envelope Open WebUI renders as a status
// line beneath the streaming response.
type statusEvent struct {
	Event struct {
		Type string `json:"type"`
		Data struct {
			Description string `json:"description"`
			Done        bool   `json:"done"`
		} `json:"data"`
	} `json:"event"`
}

func (s *Server) streamCompletion(w http.ResponseWriter, st *stream.Stream, req *chatRequest, user requestUser) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var reply strings.Builder
	for {
		ev, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Client cancellation or a broken upstream read. The response
			// is unusable either way, so no usage is committed.
			s.log.Warn("stream aborted", "model", req.Model, "error", err)
			return
		}
		if ev.Status != nil {
			var se statusEvent
			se.Event.Type = "status"
			se.Event.Data.Description = ev.Status.Description
			se.Event.Data.Done = ev.Status.Done
			writeSSE(w, flusher, se)
			continue
		}
		if ev.Chunk != nil {
			reply.WriteString(ev.Chunk.Delta)
			writeSSE(w, flusher, encodeStreamChunk(ev.Chunk))
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	s.commitUsage(user, req, st, reply.String())
}

func (s *Server) aggregateCompletion(w http.ResponseWriter, st *stream.Stream, req *chatRequest, user requestUser) {
	var (
		reply   strings.Builder
		id      string
		created int64
	)
	for {
		ev, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.log.Warn("stream aborted", "model", req.Model, "error", err)
			writeError(w, http.StatusBadGateway, "upstream stream aborted")
			return
		}
		if ev.Chunk == nil {
			continue
		}
		if id == "" {
			id = ev.Chunk.ID
			created = ev.Chunk.Created
		}
		reply.WriteString(ev.Chunk.Delta)
	}

	out := openai.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: reply.String(),
			},
			FinishReason: openai.FinishReasonStop,
		}},
	}
	if u := st.Usage(); u != nil {
		out.Usage = openai.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		}
	}
	writeJSON(w, http.StatusOK, out)

	s.commitUsage(user, req, st, reply.String())
}

// commitUsage records a completed response against the user's balance.
// When the upstream never reported usage the resolver estimates it from
// the request messages plus the assembled reply.
func (s *Server) commitUsage(user requestUser, req *chatRequest, st *stream.Stream, reply string) {
	if user.ID == "" {
		return
	}
	u := st.Usage()
	if u == nil {
		resolved, err := s.resolver.Resolve(estimationBody(req, reply))
		if err != nil {
			s.log.Error("usage estimation failed", "user", user.ID, "model", req.Model, "error", err)
			return
		}
		u = &resolved
	}
	if _, err := s.ledger.Record(user.ID, req.ChatID, req.Model, u); err != nil {
		s.log.Error("usage record failed", "user", user.ID, "model", req.Model, "error", err)
	}
}

func estimationBody(req *chatRequest, reply string) *usage.Body {
	body := &usage.Body{ChatID: req.ChatID, Model: req.Model}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, usage.Message{Role: m.Role, Content: m.text()})
	}
	body.Messages = append(body.Messages, usage.Message{Role: "assistant", Content: reply})
	return body
}

func encodeStreamChunk(c *stream.Chunk) openai.ChatCompletionStreamResponse {
	out := openai.ChatCompletionStreamResponse{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: c.Created,
		Model:   c.Model,
	}
	if !c.Finished {
		out.Choices = []openai.ChatCompletionStreamChoice{{
			Index: 0,
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: c.Delta},
		}}
	} else {
		out.Choices = []openai.ChatCompletionStreamChoice{{
			Index:        0,
			FinishReason: openai.FinishReasonStop,
		}}
	}
	if c.Usage != nil {
		out.Usage = &openai.Usage{
			PromptTokens:     int(c.Usage.PromptTokens),
			CompletionTokens: int(c.Usage.CompletionTokens),
			TotalTokens:      int(c.Usage.TotalTokens),
		}
	}
	return out
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}
