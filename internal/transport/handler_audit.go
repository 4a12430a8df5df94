package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/audit"
	"github.com/pitabwire/onboarding/internal/capability"
	"github.com/pitabwire/onboarding/model"
)

// requirePermission writes a 403 and returns false when the request's actor
// lacks perm.
func requirePermission(w http.ResponseWriter, r *http.Request, logger *zap.Logger, perm string) bool {
	actor := model.ActorFrom(r.Context())
	if actor == nil || !actor.HasPermission(perm) {
		respondError(w, r, logger, model.NewForbiddenError("missing permission "+perm))
		return false
	}
	return true
}

func handleVerifyChain(svc *audit.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePermission(w, r, logger, capability.PermAuditVerify) {
			return
		}
		var rng model.AuditRange
		for _, p := range []struct {
			name string
			dst  **int64
		}{{"start_id", &rng.StartID}, {"end_id", &rng.EndID}} {
			raw := r.URL.Query().Get(p.name)
			if raw == "" {
				continue
			}
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n <= 0 {
				respondError(w, r, logger, model.NewFieldValidationError(p.name, "INVALID", p.name+" must be a positive integer"))
				return
			}
			*p.dst = &n
		}

		res, err := svc.VerifyChain(r.Context(), rng)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleArchive(svc *audit.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePermission(w, r, logger, capability.PermAuditArchive) {
			return
		}
		id, err := pathInt64(r, "id")
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		rec, err := svc.Archive(r.Context(), id)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}

func handleVerifyArchived(svc *audit.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePermission(w, r, logger, capability.PermAuditVerify) {
			return
		}
		id, err := pathInt64(r, "id")
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		res, err := svc.VerifyArchived(r.Context(), id)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleEntityEntries(svc *audit.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requirePermission(w, r, logger, capability.PermAuditRead) {
			return
		}
		entries, err := svc.EntityEntries(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": entries})
	}
}
