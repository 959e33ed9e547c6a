package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"media-delivery-engine/internal/apperr"
	"media-delivery-engine/internal/config"
	"media-delivery-engine/internal/engine"
	"media-delivery-engine/internal/staging"
)

// maxBody bounds JSON request bodies.
const maxBody = 1 << 20

type DeliveryHandler struct {
	Eng     *engine.DeliveryEngine
	Sweeper *staging.Sweeper
}

func NewDeliveryHandler(eng *engine.DeliveryEngine, sweeper *staging.Sweeper) *DeliveryHandler {
	return &DeliveryHandler{Eng: eng, Sweeper: sweeper}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: apperr.KindOf(err)})
}

func statusFor(err error) int {
	switch {
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrConfiguration):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validationf("api.decode", "invalid request body: %v", err)
	}
	return nil
}

type outgoingRequest struct {
	Subscriber string `json:"subscriber_id"`
	Text       string `json:"text"`
}

// Outgoing is the hook the chat layer calls for each outbound reply.
func (h *DeliveryHandler) Outgoing(w http.ResponseWriter, r *http.Request) {
	var req outgoingRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Eng.ProcessOutgoingMessage(r.Context(), req.Subscriber, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type detectResponse struct {
	Matches []engine.TriggerMatch `json:"matches"`
	URLs    []string              `json:"urls"`
}

func (h *DeliveryHandler) Detect(w http.ResponseWriter, r *http.Request) {
	var req outgoingRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	matches, err := h.Eng.Detect(r.Context(), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []engine.TriggerMatch{}
	}
	writeJSON(w, http.StatusOK, detectResponse{Matches: matches, URLs: h.Eng.ExtractURLs(req.Text)})
}

// History serves /v1/history/{subscriber} and, with a trailing trigger id,
// the single record.
func (h *DeliveryHandler) History(w http.ResponseWriter, r *http.Request) {
	sub := chi.URLParam(r, "subscriber")
	if trig := chi.URLParam(r, "*"); trig != "" {
		rec, err := h.Eng.SendRecord(r.Context(), sub, trig)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	hist, err := h.Eng.History(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hist == nil {
		hist = engine.History{}
	}
	writeJSON(w, http.StatusOK, hist)
}

func (h *DeliveryHandler) ResetHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.Eng.ResetHistory(r.Context(), chi.URLParam(r, "subscriber"), chi.URLParam(r, "*")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeliveryHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Eng.Settings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *DeliveryHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := decode(w, r, &s); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.Eng.UpdateSettings(r.Context(), s)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *DeliveryHandler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	defs, err := h.Eng.ListTriggers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if defs == nil {
		defs = []engine.TriggerDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *DeliveryHandler) UpsertTrigger(w http.ResponseWriter, r *http.Request) {
	var in engine.TriggerInput
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	def, err := h.Eng.UpsertTrigger(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *DeliveryHandler) GetTrigger(w http.ResponseWriter, r *http.Request) {
	def, err := h.Eng.GetTrigger(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *DeliveryHandler) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.Eng.DeleteTrigger(r.Context(), chi.URLParam(r, "*")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// subject reads the trigger id of a product from the query; ids contain
// slashes so they do not fit a path segment.
func subject(r *http.Request) (string, error) {
	s := strings.TrimSpace(r.URL.Query().Get("subject"))
	if s == "" {
		return "", apperr.Validationf("api.subject", "subject query parameter is required")
	}
	return s, nil
}

func (h *DeliveryHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	sub, err := subject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.Eng.Policy(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *DeliveryHandler) Preview(w http.ResponseWriter, r *http.Request) {
	sub, err := subject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Eng.Preview(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type selectionRequest struct {
	ImageIDs []string `json:"image_ids"`
}

func (h *DeliveryHandler) SelectImages(w http.ResponseWriter, r *http.Request) {
	sub, err := subject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req selectionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.Eng.SelectImages(r.Context(), sub, req.ImageIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type modeRequest struct {
	Mode string `json:"mode"`
	Cap  int    `json:"cap"`
}

func (h *DeliveryHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	sub, err := subject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req modeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.Eng.SetSelectionMode(r.Context(), sub, req.Mode, req.Cap)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *DeliveryHandler) RemoveImage(w http.ResponseWriter, r *http.Request) {
	sub, err := subject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	def, err := h.Eng.RemoveImage(r.Context(), sub, chi.URLParam(r, "imageID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *DeliveryHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, r, apperr.Configurationf("api.sweep", "staging is not configured"))
		return
	}
	res, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Images serves staged files. Directory listings are not exposed.
func Images(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		fs.ServeHTTP(w, r)
	})
}
