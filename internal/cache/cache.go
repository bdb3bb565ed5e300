// ABOUTME: In-memory conversation and message state keyed by id
// ABOUTME: Idempotent push merges, wholesale fetch replacement, optimistic local mutations

package cache

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/emberchat/ember-go/internal/events"
	"github.com/emberchat/ember-go/internal/model"
	"github.com/emberchat/ember-go/internal/wire"
)

// Cache holds the client's view of every conversation. All mutation happens
// through its merge methods; readers get copies and can never break the
// no-duplicate-id invariant from outside.
type Cache struct {
	mu            sync.RWMutex
	logger        *slog.Logger
	conversations map[int64]*model.Conversation
	messages      map[int64][]model.Message
	drafts        map[int64]string
	selected      int64

	bus  *events.Bus
	subs map[string]string
}

// New creates an empty cache. Pass nil logger for default.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		logger:        logger.With("component", "cache"),
		conversations: make(map[int64]*model.Conversation),
		messages:      make(map[int64][]model.Message),
		drafts:        make(map[int64]string),
	}
}

// ReplaceConversations swaps in a full conversation list, as delivered by a
// chats fetch. Message lists for conversations that survive are kept.
func (c *Cache) ReplaceConversations(convs []model.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[int64]*model.Conversation, len(convs))
	for i := range convs {
		conv := convs[i]
		next[conv.ID] = &conv
	}
	for id := range c.messages {
		if _, ok := next[id]; !ok {
			delete(c.messages, id)
			delete(c.drafts, id)
		}
	}
	c.conversations = next
}

// ApplyConversation merges one conversation summary, as delivered by a
// single-chat fetch.
func (c *Cache) ApplyConversation(conv model.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations[conv.ID] = &conv
}

// ApplyPush merges one push-delivered message. The append is idempotent:
// a message whose id is already present is dropped. The last-message
// pointer moves whenever the pushed id differs from the current pointer's
// id; the comparison is by identity, never by timestamp.
func (c *Cache) ApplyPush(chatID int64, msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.messages[chatID] {
		if existing.ID == msg.ID {
			c.logger.Debug("duplicate push dropped", "chat_id", chatID, "message_id", msg.ID)
			return
		}
	}
	c.messages[chatID] = append(c.messages[chatID], msg)
	c.updateLastMessageLocked(chatID, msg)
}

// ReplaceMessages swaps in a fetch-delivered message list wholesale,
// deduplicating by id in arrival order. A non-empty list also moves the
// last-message pointer to its tail when that changes the pointer's identity.
func (c *Cache) ReplaceMessages(chatID int64, msgs []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[int64]struct{}, len(msgs))
	deduped := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		seen[msg.ID] = struct{}{}
		deduped = append(deduped, msg)
	}
	c.messages[chatID] = deduped
	if len(deduped) > 0 {
		c.updateLastMessageLocked(chatID, deduped[len(deduped)-1])
	}
}

func (c *Cache) updateLastMessageLocked(chatID int64, msg model.Message) {
	conv, ok := c.conversations[chatID]
	if !ok {
		// A conversation exists from its first fetch or push reference; a
		// push can land before any chats fetch delivered the summary.
		conv = &model.Conversation{ID: chatID}
		c.conversations[chatID] = conv
	}
	if conv.LastMessage != nil && conv.LastMessage.ID == msg.ID {
		return
	}
	last := msg
	conv.LastMessage = &last
}

// EditMessage applies an optimistic local edit keyed by message id. It
// reports whether the message was found; the server instruction travels
// separately and there is no rollback if it is rejected.
func (c *Cache) EditMessage(chatID, messageID int64, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[chatID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Value = value
			if conv, ok := c.conversations[chatID]; ok && conv.LastMessage != nil && conv.LastMessage.ID == messageID {
				conv.LastMessage.Value = value
			}
			return true
		}
	}
	return false
}

// DeleteMessage applies an optimistic local delete keyed by message id and
// reports whether the message was found.
func (c *Cache) DeleteMessage(chatID, messageID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[chatID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			c.messages[chatID] = append(msgs[:i:i], msgs[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyReaction merges a reaction push. A user has at most one reaction per
// message; re-applying the same emoji is a no-op, a different emoji replaces
// the user's previous one.
func (c *Cache) ApplyReaction(chatID, messageID, userID int64, emoji string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[chatID]
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		for j := range msgs[i].Reactions {
			if msgs[i].Reactions[j].UserID == userID {
				msgs[i].Reactions[j].Emoji = emoji
				return
			}
		}
		msgs[i].Reactions = append(msgs[i].Reactions, model.Reaction{Emoji: emoji, UserID: userID})
		return
	}
}

// ApplyViewed records that a member saw a message. Idempotent per user.
func (c *Cache) ApplyViewed(chatID, messageID, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages[chatID]
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		for _, viewer := range msgs[i].Viewers {
			if viewer == userID {
				return
			}
		}
		msgs[i].Viewers = append(msgs[i].Viewers, userID)
		return
	}
}

// Select makes chatID the active conversation and clears the previous
// conversation's in-progress draft.
func (c *Cache) Select(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected != 0 && c.selected != chatID {
		delete(c.drafts, c.selected)
	}
	c.selected = chatID
}

// Selected returns the active conversation id, zero when none is selected.
func (c *Cache) Selected() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

// SetDraft stores an in-progress edit draft for a conversation.
func (c *Cache) SetDraft(chatID int64, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drafts[chatID] = value
}

// Draft returns the stored draft for a conversation, empty when none.
func (c *Cache) Draft(chatID int64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.drafts[chatID]
}

// Conversation returns a copy of one conversation summary.
func (c *Cache) Conversation(chatID int64) (model.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.conversations[chatID]
	if !ok {
		return model.Conversation{}, false
	}
	return copyConversation(conv), true
}

// Conversations returns copies of all conversation summaries ordered by id.
func (c *Cache) Conversations() []model.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		out = append(out, copyConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Messages returns a copy of a conversation's message list.
func (c *Cache) Messages(chatID int64) []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.messages[chatID]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

func copyConversation(conv *model.Conversation) model.Conversation {
	out := *conv
	if conv.LastMessage != nil {
		last := *conv.LastMessage
		out.LastMessage = &last
	}
	out.Members = append([]model.Member(nil), conv.Members...)
	out.Media = append([]model.Attachment(nil), conv.Media...)
	return out
}

// Attach subscribes the cache to the push topics it consumes. Frames that
// fail to bind are logged and dropped.
func (c *Cache) Attach(bus *events.Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus != nil {
		return
	}
	c.bus = bus
	c.subs = map[string]string{
		wire.TypeChatMessage: bus.Subscribe(wire.TypeChatMessage, func(env wire.Envelope) {
			var frame wire.ChatMessage
			if err := env.Bind(&frame); err != nil {
				c.logger.Warn("dropping push", "type", env.Type, "error", err)
				return
			}
			c.ApplyPush(frame.ChatID, frame.Message)
		}),
		wire.TypeMessageReaction: bus.Subscribe(wire.TypeMessageReaction, func(env wire.Envelope) {
			var frame wire.MessageReaction
			if err := env.Bind(&frame); err != nil {
				c.logger.Warn("dropping push", "type", env.Type, "error", err)
				return
			}
			c.ApplyReaction(frame.ChatID, frame.MessageID, frame.UserID, frame.Emoji)
		}),
		wire.TypeMessageViewed: bus.Subscribe(wire.TypeMessageViewed, func(env wire.Envelope) {
			var frame wire.MessageViewed
			if err := env.Bind(&frame); err != nil {
				c.logger.Warn("dropping push", "type", env.Type, "error", err)
				return
			}
			c.ApplyViewed(frame.ChatID, frame.MessageID, frame.UserID)
		}),
		wire.TypeDeleteMessage: bus.Subscribe(wire.TypeDeleteMessage, func(env wire.Envelope) {
			var frame wire.DeleteMessage
			if err := env.Bind(&frame); err != nil {
				c.logger.Warn("dropping push", "type", env.Type, "error", err)
				return
			}
			c.DeleteMessage(frame.ChatID, frame.MessageID)
		}),
		wire.TypeEditMessage: bus.Subscribe(wire.TypeEditMessage, func(env wire.Envelope) {
			var frame wire.EditMessage
			if err := env.Bind(&frame); err != nil {
				c.logger.Warn("dropping push", "type", env.Type, "error", err)
				return
			}
			c.EditMessage(frame.ChatID, frame.MessageID, frame.Value)
		}),
	}
}

// Detach undoes Attach.
func (c *Cache) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return
	}
	for topic, id := range c.subs {
		c.bus.Unsubscribe(topic, id)
	}
	c.bus = nil
	c.subs = nil
}
