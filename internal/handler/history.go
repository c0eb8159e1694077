package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/bookchat/internal/middleware"
	"github.com/capitalize-ai/bookchat/internal/model"
	"github.com/capitalize-ai/bookchat/internal/store"
	"github.com/capitalize-ai/bookchat/pkg/logger"
)

// HistoryStore is the read side of the durable store.
type HistoryStore interface {
	ListConversations(ctx context.Context, member model.MemberID) ([]model.ConversationSummary, error)
	MessagesFor(ctx context.Context, book model.BookID, member model.MemberID) ([]model.Message, error)
}

// HistoryHandler serves the read-only query endpoints.
type HistoryHandler struct {
	store  HistoryStore
	logger *logger.Logger
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(store HistoryStore, log *logger.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:  store,
		logger: log,
	}
}

// ListChats handles GET /chat-list/{memberID}
func (h *HistoryHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	member, err := middleware.ParseMemberID(chi.URLParam(r, "memberID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chats, err := h.store.ListConversations(r.Context(), member)
	if err != nil {
		h.logger.Error("failed to list conversations",
			zap.Int64("member_num", int64(member)),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusServiceUnavailable, "failed to list conversations")
		return
	}
	if chats == nil {
		chats = []model.ConversationSummary{}
	}

	writeJSON(w, http.StatusOK, chats)
}

// ChatHistory handles GET /chat/{bookID}/{memberID}
func (h *HistoryHandler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	book, err := middleware.ParseBookID(chi.URLParam(r, "bookID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	member, err := middleware.ParseMemberID(chi.URLParam(r, "memberID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.store.MessagesFor(ctx, book, member)
	if err != nil {
		h.logger.Error("failed to load chat history",
			zap.Int64("member_num", int64(member)),
			zap.Int64("book_id", int64(book)),
			zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
			zap.Error(err),
		)
		status := http.StatusServiceUnavailable
		if errors.Is(err, store.ErrCorrupt) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, "failed to load chat history")
		return
	}

	envelopes := make([]model.Envelope, len(msgs))
	for i, msg := range msgs {
		envelopes[i] = msg.Envelope()
	}

	writeJSON(w, http.StatusOK, envelopes)
}
