// ABOUTME: Typed frame payloads for every channel message the client sends or receives
// ABOUTME: Outbound frames embed their own type tag so json.Marshal produces the envelope

package wire

import "github.com/emberchat/ember-go/internal/model"

// Request is the generic keyed request frame (get_chat, delete_message...).
// Fields that don't apply to a given type are omitted from the JSON.
type Request struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Value     string `json:"value,omitempty"`
}

// Authenticate binds the channel to a bearer token after connection_established.
type Authenticate struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// NewMessage is the outbound chat_message frame.
type NewMessage struct {
	Type   string             `json:"type"`
	ChatID int64              `json:"chat_id"`
	Value  string             `json:"value"`
	Files  []model.Attachment `json:"files,omitempty"`
}

// ConnectionEstablished is the server's first frame on a fresh channel.
type ConnectionEstablished struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id,omitempty"`
}

// ChatMessage is an inbound push of a single message.
type ChatMessage struct {
	Type    string        `json:"type"`
	ChatID  int64         `json:"chat_id"`
	Message model.Message `json:"message"`
}

// Chats is the response to get_chats.
type Chats struct {
	Type  string               `json:"type"`
	Chats []model.Conversation `json:"chats"`
}

// Chat is the response to get_chat: the conversation summary plus its full
// message list.
type Chat struct {
	Type     string             `json:"type"`
	ChatID   int64              `json:"chat_id"`
	Chat     model.Conversation `json:"chat"`
	Messages []model.Message    `json:"messages"`
}

// GeneralInfo is the response to get_general_info.
type GeneralInfo struct {
	Type string            `json:"type"`
	Info model.GeneralInfo `json:"info"`
}

// MessageReaction is a push notifying of a reaction change.
type MessageReaction struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// MessageViewed is a push notifying that a member saw a message.
type MessageViewed struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	UserID    int64  `json:"user_id"`
}

// DeleteMessage is pushed when a message is removed, and sent outbound for
// an optimistic local delete.
type DeleteMessage struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
}

// EditMessage mirrors DeleteMessage for edits.
type EditMessage struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Value     string `json:"value"`
}

// Token is the response to a channel-based refresh_token request.
type Token struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Error is the server's generic failure frame.
type Error struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Ping and Pong are the channel keepalive frames.
type Ping struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}
