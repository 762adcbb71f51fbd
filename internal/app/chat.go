package app

import (
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/util"
)

// ChatLog is the session chat buffer. Old messages are dropped once the
// capacity is reached; nothing is persisted.
type ChatLog struct {
	buf *util.RingBuffer[domain.ChatMessage]
}

func NewChatLog(capacity int) *ChatLog {
	return &ChatLog{buf: util.NewRingBuffer[domain.ChatMessage](capacity)}
}

func (c *ChatLog) Append(m domain.ChatMessage) { c.buf.Push(m) }

func (c *ChatLog) Messages() []domain.ChatMessage { return c.buf.Snapshot() }

func (c *ChatLog) Len() int { return c.buf.Len() }
