package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatwidget/internal/models"
	"github.com/MegaGrindStone/chatwidget/internal/widget"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Link      string
	IsLink    bool
	Timestamp time.Time
}

type widgetPageData struct {
	Chatbot models.Chatbot
	PostURL string
}

// widgetListener turns widget side effects into SSE events on the conversation topic. Embed listeners also
// persist every committed message.
type widgetListener struct {
	m              Main
	conversationID string
	persist        bool
}

var errWrongChatbot = errors.New("conversation belongs to another chatbot")

var turnSSEType = sse.Type("turn")

// HandleWidget renders the embeddable chat page of a chatbot.
func (m Main) HandleWidget(w http.ResponseWriter, r *http.Request) {
	bot, err := m.chatbot(r.PathValue("chatbotID"))
	if err != nil {
		m.logger.Error("Unknown chatbot", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	data := widgetPageData{
		Chatbot: bot,
		PostURL: fmt.Sprintf("/widgets/%s/messages", bot.ID),
	}
	if err := m.templates.ExecuteTemplate(w, "widget.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleEmbedMessage processes a visitor message from the public widget. It expects a "message" form field
// and an optional "conversation_id". Without a conversation ID a new persisted conversation is started.
// The reply is streamed asynchronously and pushed to the browser over SSE. The response carries the
// conversation ID in the X-Conversation-ID header and renders the message committed by the submission.
// The X-Last-Event-ID header holds the ID to subscribe with so that no event of the turn is missed.
func (m Main) HandleEmbedMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	bot, err := m.chatbot(r.PathValue("chatbotID"))
	if err != nil {
		m.logger.Error("Unknown chatbot", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conversationID, lw, err := m.embedWidget(r.Context(), bot, r.FormValue("conversation_id"))
	if err != nil {
		m.logger.Error("Failed to open conversation",
			slog.String("chatbotID", bot.ID),
			slog.String(errLoggerKey, err.Error()))
		status := http.StatusInternalServerError
		if errors.Is(err, errWrongChatbot) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	m.submit(w, conversationID, lw, msg)
}

// HandlePreviewMessage processes a message typed into the dashboard preview. The preview is never persisted.
// It accepts draft overrides for the booking link and theme. Changing them mid-conversation rebuilds the
// preview widget with the new settings and the conversation so far. The "chatbot_id" field may be empty for
// a chatbot that was not saved yet, in which case the widget answers with its configuration error.
func (m Main) HandlePreviewMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	var bot models.Chatbot
	if id := r.FormValue("chatbot_id"); id != "" {
		var err error
		bot, err = m.chatbot(id)
		if err != nil {
			m.logger.Error("Unknown chatbot", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}
	if link := r.FormValue("booking_link"); link != "" {
		bot.BookingLink = link
	}
	if theme := r.FormValue("theme"); theme != "" {
		bot.Theme = theme
	}

	conversationID, lw, err := m.previewWidget(bot, r.FormValue("conversation_id"))
	if err != nil {
		m.logger.Error("Failed to open preview", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.submit(w, conversationID, lw, msg)
}

// HandleCloseWidget tears down the live widget of a conversation, closing any in-flight stream. The
// persisted transcript is kept.
func (m Main) HandleCloseWidget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conversationID := r.FormValue("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	m.widgets.mu.Lock()
	lw, ok := m.widgets.removeLocked(conversationID)
	m.widgets.mu.Unlock()

	if ok {
		lw.w.Close()
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleConversations lists the persisted conversations of a chatbot as JSON.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	bot, err := m.chatbot(r.PathValue("chatbotID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	convs, err := m.store.Conversations(r.Context(), bot.ID)
	if err != nil {
		m.logger.Error("Failed to get conversations",
			slog.String("chatbotID", bot.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(convs); err != nil {
		m.logger.Error("Failed to encode conversations", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) submit(w http.ResponseWriter, conversationID string, lw *liveWidget, input string) {
	// The browser may only subscribe after reading this response. Every event of the turn is published
	// after this marker, so subscribing with its ID replays them.
	marker := &sse.Message{Type: turnSSEType}
	marker.AppendData("start")
	if err := m.publish(marker, conversationTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish turn marker",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}

	// The request context ends with this response, while the stream must outlive it.
	sess, err := lw.w.Submit(context.Background(), input)
	if err != nil {
		m.logger.Error("Failed to submit message",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	go m.awaitTurn(conversationID, sess)

	w.Header().Set("X-Conversation-ID", conversationID)
	w.Header().Set("X-Last-Event-ID", marker.ID.String())

	rendered, err := renderMessage(sess.Submitted)
	if err != nil {
		m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "message", rendered); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) awaitTurn(conversationID string, sess *widget.Session) {
	<-sess.Done()

	e := &sse.Message{Type: closeMessageSSEType}
	e.AppendData(sess.Status().String())
	if err := m.publish(e, conversationTopic(conversationID)); err != nil {
		m.logger.Error("Failed to publish close message",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) embedWidget(ctx context.Context, bot models.Chatbot, conversationID string) (string, *liveWidget, error) {
	var evicted []*liveWidget
	defer func() { closeWidgets(evicted) }()

	m.widgets.mu.Lock()
	defer m.widgets.mu.Unlock()

	if conversationID != "" {
		if lw, ok := m.widgets.getLocked(conversationID); ok {
			if lw.chatbotID != bot.ID || lw.preview {
				return "", nil, errWrongChatbot
			}
			return conversationID, lw, nil
		}

		owned, err := m.ownsConversation(ctx, bot.ID, conversationID)
		if err != nil {
			return "", nil, err
		}
		history, err := m.store.Messages(ctx, conversationID)
		if err != nil {
			return "", nil, fmt.Errorf("failed to get messages: %w", err)
		}
		if owned {
			lw := m.newLiveWidget(bot, conversationID, false, history)
			evicted = m.widgets.addLocked(conversationID, lw)
			return conversationID, lw, nil
		}
		if len(history) > 0 {
			return "", nil, errWrongChatbot
		}
	}

	conv := models.Conversation{
		ID:        uuid.New().String(),
		ChatbotID: bot.ID,
		CreatedAt: m.opts.Now(),
	}
	id, err := m.store.AddConversation(ctx, conv)
	if err != nil {
		return "", nil, fmt.Errorf("failed to add conversation: %w", err)
	}

	lw := m.newLiveWidget(bot, id, false, nil)
	evicted = m.widgets.addLocked(id, lw)
	return id, lw, nil
}

func (m Main) ownsConversation(ctx context.Context, chatbotID, conversationID string) (bool, error) {
	convs, err := m.store.Conversations(ctx, chatbotID)
	if err != nil {
		return false, fmt.Errorf("failed to get conversations: %w", err)
	}
	return slices.ContainsFunc(convs, func(c models.Conversation) bool {
		return c.ID == conversationID
	}), nil
}

func (m Main) previewWidget(bot models.Chatbot, conversationID string) (string, *liveWidget, error) {
	var evicted []*liveWidget
	defer func() { closeWidgets(evicted) }()

	m.widgets.mu.Lock()
	defer m.widgets.mu.Unlock()

	if conversationID != "" {
		if lw, ok := m.widgets.getLocked(conversationID); ok {
			if lw.chatbotID != bot.ID || !lw.preview {
				return "", nil, errWrongChatbot
			}

			cfg := lw.w.Config()
			if cfg.BookingLink == bot.BookingLink && cfg.Theme == bot.Theme {
				return conversationID, lw, nil
			}

			m.widgets.removeLocked(conversationID)
			evicted = append(evicted, lw)
			rebuilt := m.newLiveWidget(bot, conversationID, true, lw.w.Messages())
			evicted = append(evicted, m.widgets.addLocked(conversationID, rebuilt)...)
			return conversationID, rebuilt, nil
		}
	}

	id := uuid.New().String()
	lw := m.newLiveWidget(bot, id, true, nil)
	evicted = m.widgets.addLocked(id, lw)
	return id, lw, nil
}

func (m Main) newLiveWidget(bot models.Chatbot, conversationID string, preview bool, history []models.Message) *liveWidget {
	cfg := widget.Config{
		BaseURL:     m.opts.CompletionBaseURL,
		ChatbotID:   bot.ID,
		BookingLink: bot.BookingLink,
		Theme:       bot.Theme,
		Timeout:     m.opts.Timeout,
	}
	listener := widgetListener{
		m:              m,
		conversationID: conversationID,
		persist:        !preview,
	}
	w := widget.New(cfg, widget.NewSSETransport(cfg.BaseURL, m.opts.HTTPClient), listener, m.logger, history...)

	return &liveWidget{w: w, chatbotID: bot.ID, preview: preview}
}

func (l widgetListener) Typing(partial string) {
	content, err := models.RenderMarkdown(partial)
	if err != nil {
		l.m.logger.Error("Failed to render partial reply", slog.String(errLoggerKey, err.Error()))
		return
	}

	var sb strings.Builder
	if err := l.m.templates.ExecuteTemplate(&sb, "typing", template.HTML(content)); err != nil {
		l.m.logger.Error("Failed to execute typing template", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: typingSSEType}
	e.AppendData(sb.String())
	if err := l.m.publish(e, conversationTopic(l.conversationID)); err != nil {
		l.m.logger.Error("Failed to publish typing",
			slog.String("conversationID", l.conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (l widgetListener) Commit(msg models.Message) {
	if l.persist {
		if _, err := l.m.store.AddMessage(context.Background(), l.conversationID, msg); err != nil {
			l.m.logger.Error("Failed to add message",
				slog.String("conversationID", l.conversationID),
				slog.String("message", fmt.Sprintf("%+v", msg)),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	// User messages are rendered in the response of the submitting request.
	if msg.Role != models.RoleAssistant {
		return
	}

	rendered, err := renderMessage(msg)
	if err != nil {
		l.m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
		return
	}
	var sb strings.Builder
	if err := l.m.templates.ExecuteTemplate(&sb, "message", rendered); err != nil {
		l.m.logger.Error("Failed to execute message template", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := &sse.Message{Type: messageSSEType}
	e.AppendData(sb.String())
	if err := l.m.publish(e, conversationTopic(l.conversationID)); err != nil {
		l.m.logger.Error("Failed to publish message",
			slog.String("conversationID", l.conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func renderMessage(msg models.Message) (message, error) {
	rendered := message{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Timestamp: msg.Timestamp,
	}

	switch {
	case msg.IsLink:
		rendered.IsLink = true
		rendered.Link = msg.Content
	case msg.Role == models.RoleAssistant:
		content, err := models.RenderMarkdown(msg.Content)
		if err != nil {
			return message{}, err
		}
		rendered.Content = template.HTML(content)
	default:
		rendered.Content = template.HTML(template.HTMLEscapeString(msg.Content))
	}

	return rendered, nil
}
