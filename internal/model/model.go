// ABOUTME: Core data types shared by the wire codec, the conversation cache and the gateway
// ABOUTME: Conversations, messages, members and attachments as the server serializes them

package model

import "time"

// Member is a participant of a conversation.
type Member struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Attachment is a file carried by a message or listed in a conversation's media.
type Attachment struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Reaction is a single user's emoji reaction to a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID int64  `json:"user_id"`
}

// Message is one entry in a conversation's message list. IDs are unique
// within a conversation; every cache mutation is keyed by ID.
type Message struct {
	ID        int64        `json:"id"`
	Value     string       `json:"value"`
	Files     []Attachment `json:"files,omitempty"`
	Date      time.Time    `json:"date"`
	EditDate  *time.Time   `json:"edit_date,omitempty"`
	IsOwn     bool         `json:"is_own"`
	Viewers   []int64      `json:"viewers,omitempty"`
	Reactions []Reaction   `json:"reactions,omitempty"`
}

// Conversation is the per-chat summary state. The message list itself lives
// in the cache, not on this struct, so a conversation summary can be updated
// without touching messages.
type Conversation struct {
	ID          int64        `json:"id"`
	Title       string       `json:"title"`
	LastMessage *Message     `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
	Members     []Member     `json:"members,omitempty"`
	Media       []Attachment `json:"media,omitempty"`
}

// GeneralInfo is the session-wide summary returned on startup.
type GeneralInfo struct {
	UserID   int64   `json:"user_id"`
	Username string  `json:"username"`
	Avatar   string  `json:"avatar,omitempty"`
	ChatIDs  []int64 `json:"chat_ids,omitempty"`
}
