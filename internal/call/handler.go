package call

import (
	"encoding/json"
	"errors"
	"net/http"

	myMiddleware "navi/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type Handler struct {
	service  *Service
	validate *validator.Validate
	log      zerolog.Logger
}

func NewHandler(s *Service, logger zerolog.Logger) *Handler {
	return &Handler{
		service:  s,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.With().Str("module", "call.handler").Logger(),
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/token", h.Token)
	r.Post("/create", h.Create)
	r.Post("/join/{roomID}", h.Join)
	r.Post("/leave/{roomID}", h.Leave)
	r.Post("/end/{roomID}", h.End)
	r.Get("/history", h.History)
}

func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	token, err := h.service.Token()
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "participantIds must be an array")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "participantIds must be an array")
		return
	}

	res, err := h.service.Create(r.Context(), userID, req.ParticipantIDs)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("room", res.RoomID).Str("user", userID).Msg("call room created")
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	res, err := h.service.Join(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := h.service.Leave(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CallResponse{Success: true, Call: c})
}

func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := h.service.End(r.Context(), chi.URLParam(r, "roomID"), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CallResponse{Success: true, Call: c})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	calls, err := h.service.History(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Success: true, Calls: calls})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var pe *ProviderError
	switch {
	case errors.Is(err, ErrCallNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotInitiator):
		writeMessage(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrProviderNotEnabled):
		h.log.Error().Err(err).Msg("call request failed")
		writeMessage(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &pe):
		h.log.Warn().Err(err).Msg("provider rejected request")
		writeMessage(w, http.StatusBadRequest, pe.Message)
	default:
		h.log.Error().Err(err).Msg("call request failed")
		writeMessage(w, http.StatusInternalServerError, "failed to process call request")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
