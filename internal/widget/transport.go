package widget

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/chatwidget/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Event names emitted by the completion endpoint.
const (
	EventToken = "token"
	EventDone  = "done"
)

// Event is one server-push event received from the completion endpoint.
type Event struct {
	Type string
	Data string
}

// Transport opens a token stream for the given conversation window. The returned iterator yields events in
// the order they were received. A non-nil error ends the stream. Stopping the iteration, or cancelling ctx,
// must release the underlying connection.
type Transport interface {
	Stream(ctx context.Context, chatbotID string, window []models.Message) iter.Seq2[Event, error]
}

// SSETransport is a Transport that talks to a completion endpoint over server-sent events.
type SSETransport struct {
	baseURL string
	client  *http.Client
}

// NewSSETransport creates a transport for the completion endpoint rooted at baseURL. If client is nil,
// http.DefaultClient is used.
func NewSSETransport(baseURL string, client *http.Client) SSETransport {
	if client == nil {
		client = http.DefaultClient
	}
	return SSETransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// StreamURL builds the completion URL for the chatbot, carrying the serialized window as the messages
// query parameter.
func StreamURL(baseURL, chatbotID string, window []models.Message) (string, error) {
	payload, err := json.Marshal(models.WireMessages(window))
	if err != nil {
		return "", fmt.Errorf("failed to marshal window: %w", err)
	}
	q := url.Values{}
	q.Set("messages", string(payload))
	return fmt.Sprintf("%s/api/chat/%s/stream?%s", baseURL, url.PathEscape(chatbotID), q.Encode()), nil
}

// Stream implements Transport.
func (s SSETransport) Stream(ctx context.Context, chatbotID string, window []models.Message) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		u, err := StreamURL(s.baseURL, chatbotID, window)
		if err != nil {
			yield(Event{}, err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			yield(Event{}, fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := s.client.Do(req)
		if err != nil {
			yield(Event{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			yield(Event{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(Event{}, fmt.Errorf("error reading stream: %w", err))
				return
			}
			if !yield(Event{Type: ev.Type, Data: ev.Data}, nil) {
				return
			}
		}
	}
}
