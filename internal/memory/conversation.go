// Package memory provides the session-scoped conversation store.
package memory

import (
	"math"
	"sync"

	"github.com/alloybot/alloy/pkg/models"
)

// TokenEstimator approximates the token cost of a message content string.
type TokenEstimator func(content string) int

// DefaultTokenEstimator charges 1/4 token per ascii rune and 1/1.5 per
// wide rune. Empty strings cost nothing; anything else costs at least 1.
func DefaultTokenEstimator(content string) int {
	if content == "" {
		return 0
	}
	var ascii, wide int
	for _, r := range content {
		if r < 128 {
			ascii++
		} else {
			wide++
		}
	}
	est := int(math.Ceil(float64(ascii)/4 + float64(wide)/1.5))
	if est < 1 {
		est = 1
	}
	return est
}

// Conversation is a bounded per-session message ring. Appends preserve
// order; overflow evicts from the front so the retained window is the
// contiguous most-recent suffix.
type Conversation struct {
	mu          sync.RWMutex
	messages    []models.Message
	maxMessages int
	estimator   TokenEstimator
}

// NewConversation creates a ring holding at most maxMessages entries.
func NewConversation(maxMessages int, estimator TokenEstimator) *Conversation {
	if maxMessages <= 0 {
		maxMessages = 50
	}
	if estimator == nil {
		estimator = DefaultTokenEstimator
	}
	return &Conversation{maxMessages: maxMessages, estimator: estimator}
}

// Add appends a message, evicting the oldest entries when the ring is full.
func (c *Conversation) Add(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = append(c.messages, msg)
	if overflow := len(c.messages) - c.maxMessages; overflow > 0 {
		c.messages = append([]models.Message(nil), c.messages[overflow:]...)
	}
}

// History returns a point-in-time snapshot in insertion order.
func (c *Conversation) History() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len reports the current message count.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// HistoryWithinTokenLimit returns the longest recent suffix whose summed
// token estimate fits maxTokens, in original order. If even the newest
// message exceeds the budget the result is empty.
func (c *Conversation) HistoryWithinTokenLimit(maxTokens int) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0
	start := len(c.messages)
	for i := len(c.messages) - 1; i >= 0; i-- {
		cost := c.estimator(c.messages[i].Content)
		if total+cost > maxTokens {
			break
		}
		total += cost
		start = i
	}

	out := make([]models.Message, len(c.messages)-start)
	copy(out, c.messages[start:])
	return out
}
