package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chatwidget/internal/models"
	"github.com/MegaGrindStone/chatwidget/internal/widget"
	"github.com/tmaxmax/go-sse"
)

var (
	tokenSSEType = sse.Type(widget.EventToken)
	doneSSEType  = sse.Type(widget.EventDone)
)

// HandleCompletion streams a chatbot reply as server-sent events. The conversation context comes in the
// "messages" query parameter as a JSON array of role/content pairs. Only the trailing window is passed to the
// model.
//
// Every chunk from the model is sent as a "token" event whose data is the chunk encoded as a JSON string,
// and a final "done" event ends the turn. Validation failures are answered with a plain HTTP error before
// the stream starts. If the model fails mid-stream, the stream is closed without a "done" event so the
// client sees a connection failure.
func (m Main) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bot, err := m.chatbot(r.PathValue("chatbotID"))
	if err != nil {
		m.logger.Error("Unknown chatbot", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	messages, err := decodeWindow(r.URL.Query().Get("messages"))
	if err != nil {
		m.logger.Error("Invalid messages parameter",
			slog.String("chatbotID", bot.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for chunk, err := range m.llm.Chat(r.Context(), bot.SystemPrompt, messages) {
		if err != nil {
			m.logger.Error("Error from llm provider",
				slog.String("chatbotID", bot.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		if chunk == "" {
			continue
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			m.logger.Error("Failed to marshal token", slog.String(errLoggerKey, err.Error()))
			return
		}
		e := &sse.Message{Type: tokenSSEType}
		e.AppendData(string(data))
		if err := sendEvent(sess, e); err != nil {
			m.logger.Debug("Client went away", slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	e := &sse.Message{Type: doneSSEType}
	e.AppendData("end")
	if err := sendEvent(sess, e); err != nil {
		m.logger.Debug("Failed to send done event", slog.String(errLoggerKey, err.Error()))
	}
}

func sendEvent(sess *sse.Session, e *sse.Message) error {
	if err := sess.Send(e); err != nil {
		return err
	}
	return sess.Flush()
}

func decodeWindow(raw string) ([]models.Message, error) {
	if raw == "" {
		return nil, errors.New("messages is required")
	}

	var wire []models.WireMessage
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, errors.New("messages must be a JSON array of role/content pairs")
	}
	if len(wire) == 0 {
		return nil, errors.New("messages must not be empty")
	}

	messages := make([]models.Message, len(wire))
	for i, wm := range wire {
		if wm.Role != models.RoleUser && wm.Role != models.RoleAssistant {
			return nil, errors.New("message role must be user or assistant")
		}
		messages[i] = models.Message{Role: wm.Role, Content: wm.Content}
	}

	return widget.Window(messages, widget.WindowSize), nil
}
