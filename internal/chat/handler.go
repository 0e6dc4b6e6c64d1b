package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	myMiddleware "navi/internal/middleware"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Store is the persistence the handlers need; *Repository satisfies it.
type Store interface {
	FindPrivateChat(ctx context.Context, a, b string) (*Chat, error)
	CreateChat(ctx context.Context, c *Chat) error
	ListChats(ctx context.Context, userID string) ([]Chat, error)
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, chatID string, before time.Time, limit int) ([]Message, error)
}

type Publisher interface {
	Publish(ctx context.Context, roomID, event string, data any) error
}

type Handler struct {
	repo     Store
	events   Publisher
	clock    clock.Clock
	validate *validator.Validate
	log      zerolog.Logger
}

func NewHandler(repo Store, events Publisher, clk clock.Clock, logger zerolog.Logger) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	return &Handler{
		repo:     repo,
		events:   events,
		clock:    clk,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.With().Str("module", "chat.handler").Logger(),
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.CreateChat)
	r.Get("/", h.ListChats)
	r.Get("/{chatID}/messages", h.GetMessages)
	r.Post("/{chatID}/messages", h.SendMessage)
}

// CreateChat finds or creates a private chat, or creates a group chat.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	participants := []string{userID}
	for _, id := range req.ParticipantIDs {
		if !slices.Contains(participants, id) {
			participants = append(participants, id)
		}
	}
	if len(participants) < 2 {
		http.Error(w, "a chat needs at least one other participant", http.StatusBadRequest)
		return
	}
	if !req.IsGroup && len(participants) != 2 {
		http.Error(w, "a private chat has exactly one other participant", http.StatusBadRequest)
		return
	}

	if !req.IsGroup {
		existing, err := h.repo.FindPrivateChat(r.Context(), participants[0], participants[1])
		if err == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		if !errors.Is(err, ErrChatNotFound) {
			h.serverError(w, err, "find chat failed")
			return
		}
	}

	now := h.clock.Now().UTC()
	c := &Chat{
		ID:            xid.New().String(),
		IsGroup:       req.IsGroup,
		GroupName:     req.GroupName,
		CreatedBy:     userID,
		Participants:  participants,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	if err := h.repo.CreateChat(r.Context(), c); err != nil {
		h.serverError(w, err, "create chat failed")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chats, err := h.repo.ListChats(r.Context(), userID)
	if err != nil {
		h.serverError(w, err, "list chats failed")
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

// GetMessages pages backwards with ?before=<RFC3339>&limit=N.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	limit := DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, MaxPageSize)
	}

	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "invalid before cursor", http.StatusBadRequest)
			return
		}
		before = t
	}

	messages, err := h.repo.GetMessages(r.Context(), chatID, before, limit)
	if err != nil {
		h.serverError(w, err, "get messages failed")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// SendMessage stores a message and fans it out as new-message to the chat room.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.authorize(w, r)
	if !ok {
		return
	}
	userID, username, _ := myMiddleware.UserFromContext(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = "text"
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "call" && req.CallStatus == "" {
		http.Error(w, "callStatus is required for call messages", http.StatusBadRequest)
		return
	}
	if req.Type != "call" && (req.CallStatus != "" || req.CallDuration != 0 || req.CallRoomID != "") {
		http.Error(w, "call fields are only valid on call messages", http.StatusBadRequest)
		return
	}

	msg := &Message{
		ID:           xid.New().String(),
		ChatID:       chatID,
		SenderID:     userID,
		SenderName:   username,
		Type:         req.Type,
		Content:      req.Content,
		CallStatus:   req.CallStatus,
		CallDuration: req.CallDuration,
		CallRoomID:   req.CallRoomID,
		CreatedAt:    h.clock.Now().UTC(),
	}
	if err := h.repo.SaveMessage(r.Context(), msg); err != nil {
		h.serverError(w, err, "save message failed")
		return
	}

	if err := h.events.Publish(r.Context(), chatID, EventNewMessage, msg); err != nil {
		h.log.Warn().Err(err).Str("room", chatID).Msg("publish failed")
	}
	writeJSON(w, http.StatusCreated, msg)
}

// authorize resolves the chat id and checks the caller belongs to it.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	chatID := chi.URLParam(r, "chatID")
	member, err := h.repo.IsParticipant(r.Context(), chatID, userID)
	if err != nil {
		h.serverError(w, err, "participant check failed")
		return "", false
	}
	if !member {
		http.Error(w, ErrNotParticipant.Error(), http.StatusForbidden)
		return "", false
	}
	return chatID, true
}

func (h *Handler) serverError(w http.ResponseWriter, err error, msg string) {
	h.log.Error().Err(err).Msg(msg)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
