package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/draft"
	"github.com/pitabwire/onboarding/model"
)

func handleSaveDraft(drafts *draft.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token    string          `json:"token"`
			LastStep string          `json:"last_step"`
			Payload  json.RawMessage `json:"payload"`
		}
		if err := decodeOptionalJSON(r, &body); err != nil {
			respondError(w, r, logger, err)
			return
		}
		if len(body.Payload) == 0 || string(body.Payload) == "null" {
			respondError(w, r, logger, model.NewFieldValidationError("payload", "REQUIRED", "payload is required"))
			return
		}

		res, err := drafts.Save(r.Context(), body.Payload, body.Token, body.LastStep)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleGetDraft(drafts *draft.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := drafts.Get(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, d)
	}
}
