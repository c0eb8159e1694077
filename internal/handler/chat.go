package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/bookchat/internal/identity"
	"github.com/capitalize-ai/bookchat/internal/middleware"
	"github.com/capitalize-ai/bookchat/internal/model"
	"github.com/capitalize-ai/bookchat/internal/session"
	"github.com/capitalize-ai/bookchat/internal/store"
	"github.com/capitalize-ai/bookchat/pkg/logger"
)

const (
	identityFailedText   = "We couldn't open this conversation. Please try again later."
	storeUnavailableText = "The chat service is temporarily unavailable. Please try again."
	internalErrorText    = "This conversation can't be loaded right now."

	// inboxSize bounds utterances queued behind a running turn.
	inboxSize = 16
)

// Sessions opens sessions for new channels and tears them down.
type Sessions interface {
	OpenSession(ctx context.Context, ch session.Channel, member model.MemberID, book model.BookID) (*session.Session, error)
	CloseSession(ch session.Channel)
}

// Inbound processes one utterance for a session.
type Inbound interface {
	HandleInbound(ctx context.Context, sess *session.Session, userText string) error
}

// ChatConfig tunes websocket channels.
type ChatConfig struct {
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

// ChatHandler serves the live chat websocket.
type ChatHandler struct {
	sessions Sessions
	inbound  Inbound
	cfg      ChatConfig
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(sessions Sessions, inbound Inbound, cfg ChatConfig, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		sessions: sessions,
		inbound:  inbound,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		logger: log,
	}
}

// Chat handles GET /ws/chat?member_num=&book_id=
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	member, err := middleware.ParseMemberID(query.Get("member_num"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	book, err := middleware.ParseBookID(query.Get("book_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := newWSChannel(conn, h.cfg.WriteTimeout)
	ctx := r.Context()

	sess, err := h.sessions.OpenSession(ctx, ch, member, book)
	if err != nil {
		h.rejectSession(ctx, ch, member, book, err)
		return
	}

	go ch.keepalive(h.cfg.PingInterval)

	inbox := make(chan string, inboxSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		h.processInbox(ctx, sess, inbox)
	}()

	h.readLoop(ch, sess, inbox)

	// Queued utterances left behind by a departed peer fail fast with
	// ErrSessionClosed; an in-flight turn still completes.
	h.sessions.CloseSession(ch)
	close(inbox)
	<-workerDone
}

// rejectSession reports a failed open to the peer and closes the channel.
func (h *ChatHandler) rejectSession(ctx context.Context, ch *wsChannel, member model.MemberID, book model.BookID, err error) {
	log := h.logger.With(
		zap.Int64("member_num", int64(member)),
		zap.Int64("book_id", int64(book)),
		zap.Error(err),
	)

	switch {
	case errors.Is(err, session.ErrChannelClosed):
		log.Info("channel closed before session opened")
		return
	case errors.Is(err, identity.ErrResolutionFailed):
		log.Error("conversation identity could not be resolved")
		_ = ch.Send(ctx, model.ErrorEnvelope(model.ErrorCodeIdentityResolutionFailed, identityFailedText))
		_ = ch.closeWith(websocket.CloseInternalServerErr, model.ErrorCodeIdentityResolutionFailed)
	case errors.Is(err, store.ErrCorrupt):
		log.Error("stored conversation history cannot be decoded")
		_ = ch.Send(ctx, model.ErrorEnvelope(model.ErrorCodeInternal, internalErrorText))
		_ = ch.closeWith(websocket.CloseInternalServerErr, model.ErrorCodeInternal)
	default:
		log.Warn("failed to open session")
		_ = ch.Send(ctx, model.ErrorEnvelope(model.ErrorCodeStoreUnavailable, storeUnavailableText))
		_ = ch.closeWith(websocket.CloseTryAgainLater, model.ErrorCodeStoreUnavailable)
	}
}

// readLoop queues inbound utterances until the peer goes away or the channel
// is closed. It keeps reading while a turn is generated so pongs keep the
// read deadline fresh.
func (h *ChatHandler) readLoop(ch *wsChannel, sess *session.Session, inbox chan<- string) {
	log := sess.Logger()
	conn := ch.conn

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	readWait := 2 * h.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Info("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		if msgType != websocket.TextMessage {
			continue
		}

		text := unwrapUtterance(data)
		if err := middleware.ValidateUtterance(text); err != nil {
			log.Debug("dropping invalid utterance", zap.Error(err))
			continue
		}

		select {
		case inbox <- text:
		case <-ch.done:
			return
		}
	}
}

// processInbox runs queued utterances through the pipeline one at a time, in
// arrival order.
func (h *ChatHandler) processInbox(ctx context.Context, sess *session.Session, inbox <-chan string) {
	log := sess.Logger()

	for text := range inbox {
		if err := h.inbound.HandleInbound(ctx, sess, text); err != nil {
			if errors.Is(err, session.ErrSessionClosed) {
				continue
			}
			log.Debug("turn finished with error", zap.Error(err))
		}
	}
}

// unwrapUtterance accepts plain text or a JSON object {"message": "..."}.
func unwrapUtterance(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var frame struct {
			Message *string `json:"message"`
		}
		if err := json.Unmarshal(trimmed, &frame); err == nil && frame.Message != nil {
			return *frame.Message
		}
	}
	return string(data)
}
