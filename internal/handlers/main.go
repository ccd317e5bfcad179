package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/chatwidget"
	"github.com/MegaGrindStone/chatwidget/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a large language model that provides chat functionality. It accepts a context, the
// chatbot's system prompt and a sequence of messages, returning an iterator that yields response chunks
// and potential errors.
type LLM interface {
	Chat(ctx context.Context, systemPrompt string, messages []models.Message) iter.Seq2[string, error]
}

// Store defines the interface for persisting embed conversations and their committed messages.
type Store interface {
	Conversations(ctx context.Context, chatbotID string) ([]models.Conversation, error)
	AddConversation(ctx context.Context, conv models.Conversation) (string, error)

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	AddMessage(ctx context.Context, conversationID string, message models.Message) (string, error)
}

// WidgetOptions configures the widgets hosted by Main.
type WidgetOptions struct {
	// CompletionBaseURL is the root of the completion endpoint the widgets stream from.
	CompletionBaseURL string
	// Timeout bounds one request/response cycle of a widget. Zero means no timeout.
	Timeout time.Duration
	// HTTPClient is used by the widgets' transport. Nil means http.DefaultClient.
	HTTPClient *http.Client

	// IdleTimeout is how long a live widget may go without a message before it is closed. Defaults to
	// 30 minutes.
	IdleTimeout time.Duration
	// MaxWidgets caps the number of live widgets. Defaults to 10000.
	MaxWidgets int
	// ReplayTTL is how long published events stay available to browsers that subscribe late or reconnect.
	// Defaults to 2 minutes.
	ReplayTTL time.Duration
	// Now returns the current time. Defaults to time.Now. Useful when testing.
	Now func() time.Time
}

// Main serves both sides of the chat: the completion endpoint that streams model tokens, and the widget host
// that turns those streams into committed conversation messages and pushes them to browsers over
// server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	llm      LLM
	store    Store
	chatbots map[string]models.Chatbot
	opts     WidgetOptions

	widgets *registry

	logger *slog.Logger
}

// ErrChatbotNotFound is returned when a request names a chatbot that is not configured.
var ErrChatbotNotFound = errors.New("chatbot not found")

// SSE event types for real-time widget updates.
var (
	typingSSEType       = sse.Type("typing")
	messageSSEType      = sse.Type("message")
	closeMessageSSEType = sse.Type("closeMessage")
	closeChatSSEType    = sse.Type("closeChat")
)

const (
	errLoggerKey = "err"

	defaultIdleTimeout = 30 * time.Minute
	defaultMaxWidgets  = 10000
	defaultReplayTTL   = 2 * time.Minute
)

// NewMain creates a new Main instance. Chatbots are indexed by ID. Templates are parsed from the embedded
// filesystem and the SSE server subscribes each browser to the topic of its conversation.
//
// Published events are kept by a replayer, so a browser that subscribes with the ID of an earlier event
// receives everything published after it. Browsers pass that ID either as the Last-Event-ID header when
// reconnecting, or as the "last_event_id" query parameter on their first subscription.
func NewMain(llm LLM, store Store, chatbots []models.Chatbot, opts WidgetOptions, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(
		chatwidget.TemplateFS,
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	bots := make(map[string]models.Chatbot, len(chatbots))
	for _, bot := range chatbots {
		if bot.ID == "" {
			return Main{}, fmt.Errorf("chatbot %q has no id", bot.Name)
		}
		if _, ok := bots[bot.ID]; ok {
			return Main{}, fmt.Errorf("duplicate chatbot id %q", bot.ID)
		}
		bots[bot.ID] = bot
	}

	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.MaxWidgets == 0 {
		opts.MaxWidgets = defaultMaxWidgets
	}
	if opts.ReplayTTL == 0 {
		opts.ReplayTTL = defaultReplayTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	replayer, err := sse.NewValidReplayer(opts.ReplayTTL, false)
	if err != nil {
		return Main{}, fmt.Errorf("failed to create replayer: %w", err)
	}
	replayer.Now = opts.Now

	return Main{
		sseSrv: &sse.Server{
			Provider: &sse.Joe{Replayer: replayer},
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				query := s.Req.URL.Query()
				conversationID := query.Get("conversation_id")
				if conversationID == "" {
					return sse.Subscription{}, false
				}

				lastEventID := s.LastEventID
				if id := query.Get("last_event_id"); !lastEventID.IsSet() && id != "" {
					// An invalid ID leaves lastEventID unset, which only skips the replay.
					lastEventID, _ = sse.NewID(id)
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: lastEventID,
					Topics:      []string{sse.DefaultTopic, conversationTopic(conversationID)},
				}, true
			},
		},
		templates: tmpl,
		llm:       llm,
		store:     store,
		chatbots:  bots,
		opts:      opts,
		widgets:   newRegistry(opts.IdleTimeout, opts.MaxWidgets, opts.Now),
		logger:    logger.With(slog.String("module", "main")),
	}, nil
}

func conversationTopic(conversationID string) string {
	return fmt.Sprintf("conversation-%s", conversationID)
}

// publish stamps the event with a fresh ID, which the replayer requires, and publishes it to the topics.
func (m Main) publish(e *sse.Message, topics ...string) error {
	e.ID = sse.ID(uuid.New().String())
	return m.sseSrv.Publish(e, topics...)
}

// HandleSSE subscribes the browser to the updates of one conversation.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) chatbot(id string) (models.Chatbot, error) {
	bot, ok := m.chatbots[id]
	if !ok {
		return models.Chatbot{}, fmt.Errorf("%w: %s", ErrChatbotNotFound, id)
	}
	return bot, nil
}

// Shutdown gracefully terminates the Main instance. Every live widget is closed first, so no connection to
// the completion endpoint outlives the server. It then broadcasts a close event to all connected browsers
// and waits up to 5 seconds for their connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	closeWidgets(m.widgets.drain())

	e := &sse.Message{Type: closeChatSSEType}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
