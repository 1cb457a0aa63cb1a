// Package transport is the platform adapter boundary for outbound delivery.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"notiflow/internal/message"
)

// ChatTarget addresses a chat and, optionally, a forum topic inside it.
type ChatTarget struct {
	ChatID  int64
	TopicID int // forum topic thread id (0 if none)
}

// MessageRef identifies a sent message so later digests can reply to it.
type MessageRef struct {
	ChatID    int64
	TopicID   int
	MessageID int
}

// EncodeRef renders a MessageRef as the opaque parent reference carried in
// thread placements.
func EncodeRef(r MessageRef) string {
	return fmt.Sprintf("%d:%d:%d", r.ChatID, r.TopicID, r.MessageID)
}

// ParseRef is the inverse of EncodeRef.
func ParseRef(s string) (MessageRef, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return MessageRef{}, fmt.Errorf("malformed message ref %q", s)
	}
	chat, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return MessageRef{}, fmt.Errorf("malformed message ref %q: %w", s, err)
	}
	topic, err := strconv.Atoi(parts[1])
	if err != nil {
		return MessageRef{}, fmt.Errorf("malformed message ref %q: %w", s, err)
	}
	msg, err := strconv.Atoi(parts[2])
	if err != nil {
		return MessageRef{}, fmt.Errorf("malformed message ref %q: %w", s, err)
	}
	return MessageRef{ChatID: chat, TopicID: topic, MessageID: msg}, nil
}

// SendOptions tune one send.
type SendOptions struct {
	DisablePreview bool
	// ReplyTo places the message as a reply under an existing message.
	ReplyTo int
}

// Adapter sends rendered digests to one platform.
type Adapter interface {
	SendRich(ctx context.Context, to ChatTarget, msg message.Rich, opt *SendOptions) (MessageRef, error)
	Stop(ctx context.Context) error
}
