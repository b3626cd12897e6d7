package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tullysh/quizrelay/internal/answers"
	"github.com/tullysh/quizrelay/internal/api/response"
)

type submitAnswersRequest struct {
	Prompt  string   `json:"prompt"`
	Answers []string `json:"answers"`
}

// NewSubmitAnswersHandler returns the handler for POST /answers, which
// stores a crowd-sourced answer set for a prompt.
func NewSubmitAnswersHandler(answerCache AnswerCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitAnswersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Prompt == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt is required", nil)
			return
		}
		if len(req.Answers) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "answers is required", nil)
			return
		}

		if err := answerCache.Submit(r.Context(), req.Prompt, req.Answers); err != nil {
			slog.Error("failed to store answers", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store answers", nil)
			return
		}

		response.JSON(w, map[string]string{
			"status":  "success",
			"message": "Answers received",
		})
	}
}

// NewGetAnswersHandler returns the handler for GET /answers, which looks
// up the stored answer set for a prompt.
func NewGetAnswersHandler(answerCache AnswerCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prompt := r.URL.Query().Get("prompt")
		if prompt == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt query parameter is required", nil)
			return
		}

		cached, err := answerCache.Get(r.Context(), prompt)
		if err != nil {
			if errors.Is(err, answers.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "No answers found for the given prompt", nil)
				return
			}
			slog.Error("failed to look up answers", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to look up answers", nil)
			return
		}

		response.JSON(w, map[string]string{
			"prompt":  cached.Prompt,
			"answers": cached.Response,
		})
	}
}
