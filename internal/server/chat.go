package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/luca/internal/chain"
	"github.com/knoguchi/luca/internal/history"
	"github.com/knoguchi/luca/internal/metrics"
	"github.com/knoguchi/luca/internal/repository"
	"github.com/knoguchi/luca/internal/site"
	"github.com/knoguchi/luca/internal/sse"
)

// restoredTurns is how many stored turns are loaded when a request names a
// conversation but carries no history.
const restoredTurns = 5

type chatRequest struct {
	Question   string `json:"question" validate:"required,max=4000"`
	Collection string `json:"collection" validate:"required"`
	// History is nil when the client omitted it.
	History        []history.Message `json:"history" validate:"omitempty,max=100,dive"`
	ConvID         string            `json:"convId" validate:"omitempty,max=128"`
	UUID           string            `json:"uuid" validate:"omitempty,max=128"`
	PrivateSession bool              `json:"privateSession"`
}

// validationMessage maps the first invalid field to the client-facing error.
func validationMessage(field string) string {
	switch field {
	case "question":
		return msgInvalidQuestion
	case "collection":
		return msgInvalidCollection
	case "history":
		return msgInvalidHistory
	case "modelA", "modelB":
		return msgInvalidModel
	default:
		return msgInvalidRequest
	}
}

// checkQuestion validates the struct, the sanitized question and the collection
// against the site. It returns the sanitized question or a client-facing error.
func (s *HTTPServer) checkQuestion(req any, question, collection string, st *site.Site) (string, string) {
	if err := s.validate.Struct(req); err != nil {
		return "", validationMessage(invalidField(err))
	}
	question = sanitizeQuestion(question)
	if question == "" {
		return "", msgInvalidQuestion
	}
	if !st.HasCollection(collection) {
		return "", msgInvalidCollection
	}
	return question, ""
}

// handleChat answers one question as a server-sent event stream.
func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	st := s.deps.Sites.Current()

	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.countChat(st, metrics.StatusBadRequest)
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	question, msg := s.checkQuestion(req, req.Question, req.Collection, st)
	if msg != "" {
		s.countChat(st, metrics.StatusBadRequest)
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	hist := req.History
	if hist == nil && req.ConvID != "" {
		hist = s.restoreHistory(ctx, req.ConvID)
	}
	convID := req.ConvID
	if convID == "" {
		convID = uuid.NewString()
	}

	c := s.newChain(st, chain.DefaultOptions(st))
	prepared, err := c.Prepare(ctx, chain.Input{
		Question:   question,
		Collection: req.Collection,
		History:    hist,
	})
	if err != nil {
		s.logger.Error("failed to prepare answer",
			"site", st.ID,
			"collection", req.Collection,
			"error", err,
		)
		s.countChat(st, metrics.StatusError)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	chunks, err := prepared.Stream(ctx)
	if err != nil {
		s.logger.Error("failed to start answer stream", "site", st.ID, "error", err)
		s.countChat(st, metrics.StatusError)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	sw, err := sse.NewWriter(w, start)
	if err != nil {
		s.logger.Error("cannot stream response", "error", err)
		s.countChat(st, metrics.StatusError)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	answer, err := sw.Stream(chunks)
	if err != nil {
		s.logger.Error("answer stream failed", "site", st.ID, "conv_id", convID, "error", err)
		s.countChat(st, metrics.StatusStreamError)
		_ = sw.Error(msgStreamFailed)
		return
	}
	// LLM clients end the stream quietly on cancellation; the answer is partial.
	if err := ctx.Err(); err != nil {
		s.logger.Warn("client disconnected before the answer finished",
			"site", st.ID,
			"conv_id", convID,
			"error", err,
		)
		s.countChat(st, metrics.StatusStreamError)
		return
	}

	var docID string
	if !req.PrivateSession {
		docID = s.saveTurn(ctx, &repository.ChatLog{
			Site:       st.ID,
			Question:   question,
			Answer:     answer,
			Collection: req.Collection,
			History:    hist,
			Sources:    prepared.SourceDocs,
			ConvID:     convID,
			UUID:       req.UUID,
			IP:         clientIP(r),
			Timing:     repository.Timing(sw.Timing()),
		})
	}

	timing, err := sw.Done(prepared.SourceDocs, docID, convID)
	if err != nil {
		s.logger.Warn("failed to send final frame", "conv_id", convID, "error", err)
	}
	s.countChat(st, metrics.StatusOK)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveStream(time.Duration(timing.TTFB)*time.Millisecond, timing.TokensPerSecond)
	}
}

func (s *HTTPServer) newChain(st *site.Site, opts chain.Options) *chain.Chain {
	chainOpts := []chain.Option{
		chain.WithPrompts(s.deps.Prompts),
		chain.WithLogger(s.logger),
	}
	if s.deps.Reranker != nil {
		chainOpts = append(chainOpts, chain.WithReranker(s.deps.Reranker))
	}
	return chain.New(st, s.deps.LLM, s.deps.Retriever, opts, chainOpts...)
}

// restoreHistory loads the recent turns of a conversation. Failures yield no history.
func (s *HTTPServer) restoreHistory(ctx context.Context, convID string) []history.Message {
	if s.deps.ChatLogs != nil {
		logs, err := s.deps.ChatLogs.ListByConversation(ctx, convID, restoredTurns)
		if err != nil {
			s.logger.Warn("failed to restore history", "conv_id", convID, "error", err)
			return nil
		}
		return repository.HistoryOf(logs)
	}
	if s.deps.History != nil {
		return s.deps.History.Get(convID)
	}
	return nil
}

// saveTurn records the turn and returns the stored log ID, or "" when nothing
// was persisted.
func (s *HTTPServer) saveTurn(ctx context.Context, l *repository.ChatLog) string {
	if s.deps.History != nil {
		s.deps.History.Append(l.ConvID, l.Question, l.Answer)
	}
	if s.deps.ChatLogs == nil {
		return ""
	}
	if err := s.deps.ChatLogs.Save(ctx, l); err != nil {
		s.logger.Error("failed to save chat log", "conv_id", l.ConvID, "error", err)
		return ""
	}
	return l.ID.String()
}

func (s *HTTPServer) countChat(st *site.Site, status string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ChatRequest(st.ID, status)
	}
}
