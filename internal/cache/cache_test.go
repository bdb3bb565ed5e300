// ABOUTME: Tests for conversation cache merge semantics
// ABOUTME: Pins idempotent merges, fetch-overwrites-push ordering and the identity-based last-message rule

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/ember-go/internal/events"
	"github.com/emberchat/ember-go/internal/model"
	"github.com/emberchat/ember-go/internal/wire"
)

func msg(id int64, value string) model.Message {
	return model.Message{ID: id, Value: value, Date: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute)}
}

func seeded(t *testing.T) *Cache {
	t.Helper()
	c := New(nil)
	c.ReplaceConversations([]model.Conversation{
		{ID: 1, Title: "general"},
		{ID: 2, Title: "random"},
	})
	return c
}

func TestApplyPush_DuplicateIDIsDropped(t *testing.T) {
	c := seeded(t)
	c.ApplyPush(1, msg(7, "hello"))
	c.ApplyPush(1, msg(7, "hello again"))

	msgs := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Value)
}

func TestApplyPush_FirstReferenceCreatesConversation(t *testing.T) {
	c := New(nil)
	c.ApplyPush(99, msg(1, "hello from nowhere"))

	conv, ok := c.Conversation(99)
	require.True(t, ok, "first push reference creates the conversation")
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, int64(1), conv.LastMessage.ID)
	require.Len(t, c.Conversations(), 1)

	// A later summary fetch fills in the rest without losing messages.
	c.ApplyConversation(model.Conversation{ID: 99, Title: "late arrival"})
	require.Len(t, c.Messages(99), 1)
}

func TestReplaceMessages_FirstReferenceCreatesConversation(t *testing.T) {
	c := New(nil)
	c.ReplaceMessages(50, []model.Message{msg(1, "a"), msg(2, "b")})

	conv, ok := c.Conversation(50)
	require.True(t, ok)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, int64(2), conv.LastMessage.ID)
}

func TestApplyPush_MovesLastMessagePointer(t *testing.T) {
	c := seeded(t)
	c.ApplyPush(1, msg(7, "first"))
	c.ApplyPush(1, msg(8, "second"))

	conv, ok := c.Conversation(1)
	require.True(t, ok)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, int64(8), conv.LastMessage.ID)

	// Other conversations are untouched.
	other, _ := c.Conversation(2)
	assert.Nil(t, other.LastMessage)
}

// The last-message pointer compares message identity, not timestamps: a push
// carrying an older message with a new id still becomes the last message.
// Intentional per the current product semantics.
func TestApplyPush_OlderMessageWithNewIDBecomesLastMessage(t *testing.T) {
	c := seeded(t)
	newer := msg(10, "newer")
	older := msg(3, "older") // earlier Date by construction
	require.True(t, older.Date.Before(newer.Date))

	c.ApplyPush(1, newer)
	c.ApplyPush(1, older)

	conv, _ := c.Conversation(1)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, int64(3), conv.LastMessage.ID)
}

func TestReplaceMessages_DeduplicatesAndPointsAtTail(t *testing.T) {
	c := seeded(t)
	c.ReplaceMessages(1, []model.Message{msg(1, "a"), msg(2, "b"), msg(2, "b-dup"), msg(3, "c")})

	msgs := c.Messages(1)
	require.Len(t, msgs, 3)
	assert.Equal(t, "b", msgs[1].Value)

	conv, _ := c.Conversation(1)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, int64(3), conv.LastMessage.ID)
}

func TestReplaceMessages_EmptyListKeepsPointer(t *testing.T) {
	c := seeded(t)
	c.ApplyPush(1, msg(5, "kept"))
	c.ReplaceMessages(1, nil)

	assert.Empty(t, c.Messages(1))
	conv, _ := c.Conversation(1)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, int64(5), conv.LastMessage.ID)
}

// A push landing while a fetch is in flight can be overwritten by the fetch
// response. There is no ordering guarantee between the two paths; the
// wholesale replacement wins.
func TestFetchOverwritesConcurrentPush(t *testing.T) {
	c := seeded(t)
	c.ApplyPush(1, msg(9, "pushed mid-fetch"))
	c.ReplaceMessages(1, []model.Message{msg(1, "a"), msg(2, "b")})

	msgs := c.Messages(1)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.NotEqual(t, int64(9), m.ID)
	}
}

func TestEditMessage_Optimistic(t *testing.T) {
	c := seeded(t)
	c.ApplyPush(1, msg(7, "typo"))

	assert.True(t, c.EditMessage(1, 7, "fixed"))
	assert.Equal(t, "fixed", c.Messages(1)[0].Value)

	conv, _ := c.Conversation(1)
	assert.Equal(t, "fixed", conv.LastMessage.Value, "pointer tracks the edited value")

	assert.False(t, c.EditMessage(1, 99, "nope"))
}

// An optimistic delete has no rollback: once applied locally the entry is
// gone even if the server would have rejected the instruction. The state
// converges again on the next fetch.
func TestDeleteMessage_OptimisticNoRollback(t *testing.T) {
	c := seeded(t)
	c.ApplyPush(1, msg(7, "doomed"))
	c.ApplyPush(1, msg(8, "stays"))

	assert.True(t, c.DeleteMessage(1, 7))
	msgs := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(8), msgs[0].ID)

	assert.False(t, c.DeleteMessage(1, 7), "second delete finds nothing")
}

func TestApplyReaction_OnePerUser(t *testing.T) {
	c := seeded(t)
	c.ApplyPush(1, msg(7, "hi"))

	c.ApplyReaction(1, 7, 100, "👍")
	c.ApplyReaction(1, 7, 100, "👍") // replay
	c.ApplyReaction(1, 7, 200, "🎉")

	reactions := c.Messages(1)[0].Reactions
	require.Len(t, reactions, 2)

	c.ApplyReaction(1, 7, 100, "❤️") // user changes their mind
	reactions = c.Messages(1)[0].Reactions
	require.Len(t, reactions, 2)
	assert.Equal(t, "❤️", reactions[0].Emoji)
}

func TestApplyViewed_IdempotentPerUser(t *testing.T) {
	c := seeded(t)
	c.ApplyPush(1, msg(7, "hi"))

	c.ApplyViewed(1, 7, 100)
	c.ApplyViewed(1, 7, 100)
	c.ApplyViewed(1, 7, 200)

	assert.Equal(t, []int64{100, 200}, c.Messages(1)[0].Viewers)
}

func TestSelect_ClearsPreviousDraft(t *testing.T) {
	c := seeded(t)
	c.Select(1)
	c.SetDraft(1, "half-typed reply")
	require.Equal(t, "half-typed reply", c.Draft(1))

	c.Select(2)
	assert.Equal(t, int64(2), c.Selected())
	assert.Empty(t, c.Draft(1), "switching away discards the old draft")

	c.SetDraft(2, "other draft")
	c.Select(2) // re-selecting the same conversation keeps its draft
	assert.Equal(t, "other draft", c.Draft(2))
}

func TestAccessorsReturnCopies(t *testing.T) {
	c := seeded(t)
	c.ApplyPush(1, msg(7, "original"))

	msgs := c.Messages(1)
	msgs[0].Value = "mutated"
	assert.Equal(t, "original", c.Messages(1)[0].Value)

	conv, _ := c.Conversation(1)
	conv.LastMessage.Value = "mutated"
	conv.Title = "mutated"
	fresh, _ := c.Conversation(1)
	assert.Equal(t, "original", fresh.LastMessage.Value)
	assert.Equal(t, "general", fresh.Title)

	all := c.Conversations()
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].ID)
}

func TestAttach_AppliesPushTopics(t *testing.T) {
	bus := events.NewBus(nil)
	c := seeded(t)
	c.Attach(bus)
	defer c.Detach()

	bus.Publish(wire.TypeChatMessage, wire.Synthetic(wire.TypeChatMessage, wire.ChatMessage{
		Type: wire.TypeChatMessage, ChatID: 1, Message: msg(7, "pushed"),
	}))
	require.Len(t, c.Messages(1), 1)

	bus.Publish(wire.TypeMessageReaction, wire.Synthetic(wire.TypeMessageReaction, wire.MessageReaction{
		Type: wire.TypeMessageReaction, ChatID: 1, MessageID: 7, UserID: 100, Emoji: "👍",
	}))
	require.Len(t, c.Messages(1)[0].Reactions, 1)

	bus.Publish(wire.TypeMessageViewed, wire.Synthetic(wire.TypeMessageViewed, wire.MessageViewed{
		Type: wire.TypeMessageViewed, ChatID: 1, MessageID: 7, UserID: 200,
	}))
	assert.Equal(t, []int64{200}, c.Messages(1)[0].Viewers)

	bus.Publish(wire.TypeEditMessage, wire.Synthetic(wire.TypeEditMessage, wire.EditMessage{
		Type: wire.TypeEditMessage, ChatID: 1, MessageID: 7, Value: "edited",
	}))
	assert.Equal(t, "edited", c.Messages(1)[0].Value)

	bus.Publish(wire.TypeDeleteMessage, wire.Synthetic(wire.TypeDeleteMessage, wire.DeleteMessage{
		Type: wire.TypeDeleteMessage, ChatID: 1, MessageID: 7,
	}))
	assert.Empty(t, c.Messages(1))

	c.Detach()
	bus.Publish(wire.TypeChatMessage, wire.Synthetic(wire.TypeChatMessage, wire.ChatMessage{
		Type: wire.TypeChatMessage, ChatID: 1, Message: msg(8, "after detach"),
	}))
	assert.Empty(t, c.Messages(1), "detached cache ignores pushes")
}
