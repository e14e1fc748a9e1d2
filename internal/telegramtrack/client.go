// Package telegramtrack polls Telegram chats for messages that mention the
// bot and hands them to the tracker engine.
package telegramtrack

import (
	"context"
	"errors"
	"time"
)

type Chat struct {
	ID int64
	// Username is the public handle without '@'; empty for private chats.
	Username string
	Title    string
	Type     string
}

type Sender struct {
	ID          int64
	Username    string
	DisplayName string
}

type Message struct {
	ID       int64
	ChatID   int64
	SenderID int64
	Text     string
	// ReplyToID is zero when the message is not a reply.
	ReplyToID int64
	Date      time.Time
}

// ChatClient is the read-only slice of a Telegram client the tracker needs.
type ChatClient interface {
	// ResolveChat accepts "@username", "username" or a numeric chat id.
	ResolveChat(ctx context.Context, ref string) (Chat, error)
	// RecentMessages returns up to limit messages, newest first.
	RecentMessages(ctx context.Context, chat Chat, limit int) ([]Message, error)
	Message(ctx context.Context, chatID, messageID int64) (Message, error)
	Sender(ctx context.Context, chatID, userID int64) (Sender, error)
}

var (
	ErrChatNotFound    = errors.New("telegram: chat not found")
	ErrMessageNotFound = errors.New("telegram: message not found")
)
