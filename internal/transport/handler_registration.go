package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/registration"
	"github.com/pitabwire/onboarding/model"
)

// HeaderDraftToken links a submission to the draft it was built from.
const HeaderDraftToken = "X-Draft-Token"

func handleSubmitRegistration(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := readBody(r)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		if len(strings.TrimSpace(string(payload))) == 0 {
			respondError(w, r, logger, model.NewBadRequestError("request body is required"))
			return
		}

		res, err := svc.Submit(r.Context(), payload, strings.TrimSpace(r.Header.Get(HeaderDraftToken)))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, res)
	}
}

func handleApprove(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := applicationID(w, r, logger)
		if !ok {
			return
		}
		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeOptionalJSON(r, &body); err != nil {
			respondError(w, r, logger, err)
			return
		}

		res, err := svc.Approve(r.Context(), id, model.ActorFrom(r.Context()), body.Comment)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleReject(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := applicationID(w, r, logger)
		if !ok {
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeOptionalJSON(r, &body); err != nil {
			respondError(w, r, logger, err)
			return
		}

		res, err := svc.Reject(r.Context(), id, model.ActorFrom(r.Context()), body.Reason)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleRequestInfo(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := applicationID(w, r, logger)
		if !ok {
			return
		}
		var body struct {
			Message string `json:"message"`
		}
		if err := decodeOptionalJSON(r, &body); err != nil {
			respondError(w, r, logger, err)
			return
		}

		res, err := svc.RequestInfo(r.Context(), id, model.ActorFrom(r.Context()), body.Message)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleBindCode(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := applicationID(w, r, logger)
		if !ok {
			return
		}
		var body struct {
			SupplierCode string `json:"supplier_code"`
		}
		if err := decodeOptionalJSON(r, &body); err != nil {
			respondError(w, r, logger, err)
			return
		}

		res, err := svc.BindSupplierCode(r.Context(), id, model.ActorFrom(r.Context()), body.SupplierCode)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleGetRegistration(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := applicationID(w, r, logger)
		if !ok {
			return
		}
		app, err := svc.GetApplication(r.Context(), id, model.ActorFrom(r.Context()))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, app)
	}
}

func handleGetStatus(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := applicationID(w, r, logger)
		if !ok {
			return
		}
		st, err := svc.GetStatus(r.Context(), id, model.ActorFrom(r.Context()))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleTrackingStatus(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.StatusByTrackingToken(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleMyStatus(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.StatusForAccount(r.Context(), model.ActorFrom(r.Context()))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleHistory(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := applicationID(w, r, logger)
		if !ok {
			return
		}
		entries, err := svc.History(r.Context(), id, model.ActorFrom(r.Context()))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": entries})
	}
}

func handlePending(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := pageFrom(r)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		list, err := svc.Pending(r.Context(), model.ActorFrom(r.Context()), page)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, list)
	}
}

func handlePendingCount(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := svc.PendingCount(r.Context(), model.ActorFrom(r.Context()))
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{"count": n})
	}
}

func handleApprovedByMe(svc *registration.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := pageFrom(r)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		list, err := svc.ApprovedByMe(r.Context(), model.ActorFrom(r.Context()), page)
		if err != nil {
			respondError(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, list)
	}
}

// --- request parsing ---

func applicationID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int64, bool) {
	id, err := pathInt64(r, "id")
	if err != nil {
		respondError(w, r, logger, err)
		return 0, false
	}
	return id, true
}

func pathInt64(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.NewBadRequestError("invalid " + name + " " + strconv.Quote(raw))
	}
	return id, nil
}

// decodeOptionalJSON decodes the body into v. An empty body leaves v
// untouched.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return model.NewBadRequestError("request body too large")
	}
	return model.NewBadRequestError("invalid JSON body")
}

func pageFrom(r *http.Request) (registration.Page, error) {
	var page registration.Page
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &page.Limit}, {"offset", &page.Offset}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page, model.NewFieldValidationError(p.name, "INVALID", p.name+" must be a non-negative integer")
		}
		*p.dst = n
	}
	return page, nil
}
