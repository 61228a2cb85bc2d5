package server

import (
	"net/http"

	"github.com/knoguchi/luca/internal/chain"
	"github.com/knoguchi/luca/internal/history"
	"github.com/knoguchi/luca/internal/vectorstore"
)

type comparisonRequest struct {
	Question     string            `json:"question" validate:"required,max=4000"`
	Collection   string            `json:"collection" validate:"required"`
	ModelA       string            `json:"modelA" validate:"required"`
	ModelB       string            `json:"modelB" validate:"required"`
	TemperatureA *float32          `json:"temperatureA" validate:"omitempty,gte=0,lte=2"`
	TemperatureB *float32          `json:"temperatureB" validate:"omitempty,gte=0,lte=2"`
	History      []history.Message `json:"history" validate:"omitempty,max=100,dive"`
}

type comparisonTiming struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

type comparisonResponse struct {
	ResponseA string                 `json:"responseA"`
	ResponseB string                 `json:"responseB"`
	SourcesA  []vectorstore.Document `json:"sourcesA"`
	SourcesB  []vectorstore.Document `json:"sourcesB"`
	Timing    comparisonTiming       `json:"timing"`
}

// handleComparison answers one question with two models side by side.
func (s *HTTPServer) handleComparison(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Sites.Current()

	var req comparisonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	question, msg := s.checkQuestion(req, req.Question, req.Collection, st)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if !st.AllowsComparisonModel(req.ModelA) || !st.AllowsComparisonModel(req.ModelB) {
		writeError(w, http.StatusBadRequest, msgInvalidModel)
		return
	}

	optsA := chain.Options{Model: req.ModelA, Temperature: st.Temperature, Label: "A"}
	if req.TemperatureA != nil {
		optsA.Temperature = *req.TemperatureA
	}
	optsB := chain.Options{Model: req.ModelB, Temperature: st.Temperature, Label: "B"}
	if req.TemperatureB != nil {
		optsB.Temperature = *req.TemperatureB
	}

	cmp, err := chain.Compare(r.Context(), s.newChain(st, optsA), s.newChain(st, optsB), chain.Input{
		Question:   question,
		Collection: req.Collection,
		History:    req.History,
	})
	if err != nil {
		s.logger.Error("model comparison failed",
			"model_a", req.ModelA,
			"model_b", req.ModelB,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	writeJSON(w, http.StatusOK, comparisonResponse{
		ResponseA: cmp.A.Answer,
		ResponseB: cmp.B.Answer,
		SourcesA:  cmp.A.SourceDocs,
		SourcesB:  cmp.B.SourceDocs,
		Timing: comparisonTiming{
			A: cmp.A.Duration.Milliseconds(),
			B: cmp.B.Duration.Milliseconds(),
		},
	})
}
