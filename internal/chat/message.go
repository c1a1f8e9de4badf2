package chat

import (
	"time"

	"github.com/google/uuid"
)

// MaxMessageBytes bounds one chat message on the wire. Staying under the
// usual SCTP fragmentation threshold keeps sends atomic on every stack.
const MaxMessageBytes = 16 * 1024

// Message is one room chat message as carried on the data-channels.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	FromName  string `json:"fromName,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"ts"` // unix milliseconds, sender's clock
}

// NewMessage builds an outbound message with a fresh id and the current
// time.
func NewMessage(from, fromName, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		From:      from,
		FromName:  fromName,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}
