package widget

import (
	"strings"

	"github.com/MegaGrindStone/chatwidget/internal/models"
)

// WindowSize is the maximum number of trailing messages sent as context with each request.
const WindowSize = 6

var bookingKeywords = []string{"book", "meeting", "schedule", "appointment", "call"}

// HasBookingIntent reports whether the visitor's input looks like a request to book a meeting. It is a
// case-insensitive substring match with no tokenization, so "recall" and "facebook" match too.
func HasBookingIntent(input string) bool {
	lower := strings.ToLower(input)
	for _, kw := range bookingKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Window returns the trailing slice of at most n messages from history. The returned slice is a copy.
func Window(history []models.Message, n int) []models.Message {
	if n <= 0 {
		return nil
	}
	start := max(len(history)-n, 0)
	win := make([]models.Message, len(history)-start)
	copy(win, history[start:])
	return win
}
