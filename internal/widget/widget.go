package widget

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatwidget/internal/models"
	"github.com/google/uuid"
)

// Listener receives the observable side effects of a widget. Implementations are called with the widget's
// lock held and must not call back into the Widget.
type Listener interface {
	// Typing is called on every accepted token with the full partial reply accumulated so far.
	Typing(partial string)
	// Commit is called for every message appended to the conversation, user messages included.
	Commit(msg models.Message)
}

// Config is the per-widget configuration. It is supplied by the host at construction time.
type Config struct {
	// BaseURL is the root of the completion endpoint. The widget does not use it directly. It is carried
	// so hosts can build the Transport from the same struct.
	BaseURL   string
	ChatbotID string
	// BookingLink is appended as a call-to-action after replies to messages with booking intent.
	BookingLink string
	Theme       string
	// Timeout bounds one request/response cycle. Zero means no timeout.
	Timeout time.Duration
}

// Status is the lifecycle state of a Session.
type Status int

const (
	StatusIdle Status = iota
	StatusStreaming
	StatusCompleted
	StatusErrored
	// StatusCancelled marks a session that was superseded by a newer one or torn down with the widget. A
	// cancelled session commits nothing.
	StatusCancelled
)

// Fixed contents of the messages committed in place of a model reply.
const (
	FallbackEmptyReply     = "Sorry, no response generated."
	FallbackConnectionLost = "Connection lost. Please try again."
	FallbackNotConfigured  = "This chatbot is not configured yet. Please try again later."
)

// ErrClosed is returned by Submit after the widget has been closed.
var ErrClosed = errors.New("widget is closed")

var errStreamEnded = errors.New("stream ended before done event")

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStreaming:
		return "streaming"
	case StatusCompleted:
		return "completed"
	case StatusErrored:
		return "errored"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Widget owns one visitor conversation: the committed message history and at most one in-flight Session.
// Submitting a new message while a session is streaming closes the old session first.
type Widget struct {
	cfg       Config
	transport Transport
	listener  Listener
	logger    *slog.Logger

	mu       sync.Mutex
	messages []models.Message
	current  *Session
	last     *Session
	closed   bool

	wg sync.WaitGroup
}

// Session is one request/response cycle started by Submit.
type Session struct {
	ID string
	// Submitted is the message committed synchronously by Submit: the visitor's message, or the
	// configuration error when the widget has no chatbot ID.
	Submitted models.Message

	input string

	w      *Widget
	cancel context.CancelFunc
	done   chan struct{}

	// Guarded by w.mu.
	status Status
	buf    strings.Builder
}

// New creates a widget. The history, if any, seeds the conversation and is not re-committed to the listener.
// A nil listener discards side effects.
func New(cfg Config, transport Transport, listener Listener, logger *slog.Logger, history ...models.Message) *Widget {
	if listener == nil {
		listener = nopListener{}
	}
	return &Widget{
		cfg:       cfg,
		transport: transport,
		listener:  listener,
		logger: logger.With(
			slog.String("module", "widget"),
			slog.String("chatbotID", cfg.ChatbotID),
		),
		messages: slices.Clone(history),
	}
}

// Submit starts a new session for the visitor's input. Any session still in flight is cancelled first and
// its partial reply is discarded. The stream is consumed on a separate goroutine. Use Session.Done to wait
// for the turn to finish.
//
// Failures of the session itself are never returned. They are committed as assistant messages. The only
// error is ErrClosed.
func (w *Widget) Submit(ctx context.Context, input string) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}

	s := &Session{
		ID:    uuid.New().String(),
		input: input,
		w:     w,
		done:  make(chan struct{}),
	}
	w.last = s

	if w.cfg.ChatbotID == "" {
		w.logger.Warn("Submit without chatbot id", slog.String("session", s.ID))
		s.status = StatusErrored
		s.cancel = func() {}
		s.Submitted = w.commitLocked(models.RoleAssistant, FallbackNotConfigured, false)
		close(s.done)
		return s, nil
	}

	w.cancelCurrentLocked()

	s.Submitted = w.commitLocked(models.RoleUser, input, false)
	window := Window(w.messages, WindowSize)

	var sctx context.Context
	if w.cfg.Timeout > 0 {
		sctx, s.cancel = context.WithTimeout(ctx, w.cfg.Timeout)
	} else {
		sctx, s.cancel = context.WithCancel(ctx)
	}
	s.status = StatusStreaming
	w.current = s

	w.wg.Add(1)
	go w.run(sctx, s, window)

	return s, nil
}

// Close tears the widget down. The in-flight session, if any, is cancelled and Close blocks until its
// connection is released. Close is safe to call more than once.
func (w *Widget) Close() {
	w.mu.Lock()
	w.closed = true
	w.cancelCurrentLocked()
	w.mu.Unlock()

	w.wg.Wait()
}

// Messages returns a copy of the committed conversation.
func (w *Widget) Messages() []models.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.messages)
}

// Status returns the status of the most recent session, or StatusIdle if nothing was submitted yet.
func (w *Widget) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return StatusIdle
	}
	return w.last.status
}

// Partial returns the reply accumulated so far by the in-flight session.
func (w *Widget) Partial() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.buf.String()
}

// Config returns the configuration the widget was created with.
func (w *Widget) Config() Config {
	return w.cfg
}

// Status returns the current status of the session.
func (s *Session) Status() Status {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	return s.status
}

// Done returns a channel that is closed once the session reached a terminal state and released its
// connection.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (w *Widget) run(ctx context.Context, s *Session, window []models.Message) {
	defer w.wg.Done()
	defer close(s.done)
	defer s.cancel()

	for ev, err := range w.transport.Stream(ctx, w.cfg.ChatbotID, window) {
		if err != nil {
			w.fail(s, err)
			return
		}

		switch ev.Type {
		case EventToken:
			var token string
			if err := json.Unmarshal([]byte(ev.Data), &token); err != nil {
				w.logger.Debug("Dropping malformed token",
					slog.String("session", s.ID),
					slog.String("data", ev.Data),
					slog.String("err", err.Error()))
				continue
			}
			if !w.appendToken(s, token) {
				return
			}
		case EventDone:
			w.finish(s)
			return
		default:
			w.logger.Debug("Ignoring event", slog.String("session", s.ID), slog.String("type", ev.Type))
		}
	}

	w.fail(s, errStreamEnded)
}

func (w *Widget) appendToken(s *Session, token string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != s {
		return false
	}
	s.buf.WriteString(token)
	w.listener.Typing(s.buf.String())
	return true
}

func (w *Widget) finish(s *Session) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != s {
		return
	}

	reply := strings.TrimSpace(s.buf.String())
	if reply == "" {
		reply = FallbackEmptyReply
	}
	w.commitLocked(models.RoleAssistant, reply, false)

	if w.cfg.BookingLink != "" && HasBookingIntent(s.input) {
		w.commitLocked(models.RoleAssistant, w.cfg.BookingLink, true)
	}

	s.buf.Reset()
	s.status = StatusCompleted
	w.current = nil
}

func (w *Widget) fail(s *Session, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current != s {
		return
	}

	w.logger.Error("Session failed", slog.String("session", s.ID), slog.String("err", err.Error()))

	s.buf.Reset()
	s.status = StatusErrored
	w.current = nil
	w.commitLocked(models.RoleAssistant, FallbackConnectionLost, false)
}

func (w *Widget) cancelCurrentLocked() {
	if w.current == nil {
		return
	}
	w.logger.Debug("Cancelling in-flight session", slog.String("session", w.current.ID))
	w.current.status = StatusCancelled
	w.current.buf.Reset()
	w.current.cancel()
	w.current = nil
}

func (w *Widget) commitLocked(role models.Role, content string, isLink bool) models.Message {
	msg := models.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		IsLink:    isLink,
		Timestamp: time.Now(),
	}
	w.messages = append(w.messages, msg)
	w.listener.Commit(msg)
	return msg
}

type nopListener struct{}

func (nopListener) Typing(string)         {}
func (nopListener) Commit(models.Message) {}
