// ABOUTME: Message envelope codec for the persistent channel
// ABOUTME: Frames are JSON objects tagged with a "type" field; payloads decode lazily

package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Frame types carried over the channel, both directions.
const (
	TypeConnectionEstablished = "connection_established"
	TypeAuthenticate          = "authenticate"
	TypeGetChats              = "get_chats"
	TypeChats                 = "chats"
	TypeGetChat               = "get_chat"
	TypeChat                  = "chat"
	TypeGetGeneralInfo        = "get_general_info"
	TypeGeneralInfo           = "general_info"
	TypeChatMessage           = "chat_message"
	TypeMessageReaction       = "message_reaction"
	TypeMessageViewed         = "message_viewed"
	TypeDeleteMessage         = "delete_message"
	TypeEditMessage           = "edit_message"
	TypeRefreshToken          = "refresh_token"
	TypeToken                 = "token"
	TypeError                 = "error"
	TypePing                  = "ping"
	TypePong                  = "pong"
)

// ErrNoType indicates a frame without a usable "type" tag.
var ErrNoType = errors.New("wire: frame has no type tag")

// Envelope is a received frame: its type tag plus the raw bytes, so handlers
// that don't care about the payload never pay for a full decode.
type Envelope struct {
	Type string
	Raw  []byte
}

// Decode peeks the type tag of a raw frame. The payload is bound later via
// Bind by whichever handler wants it.
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("wire: invalid frame: %.64s", data)
	}
	t := gjson.GetBytes(data, "type")
	if t.Type != gjson.String || t.Str == "" {
		return Envelope{}, ErrNoType
	}
	return Envelope{Type: t.Str, Raw: data}, nil
}

// Bind unmarshals the envelope's payload into v.
func (e Envelope) Bind(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("wire: bind %s frame: %w", e.Type, err)
	}
	return nil
}

// Synthetic builds an envelope for an event that never crossed the wire,
// such as a connection state change published on the bus.
func Synthetic(frameType string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{}`)
	}
	return Envelope{Type: frameType, Raw: raw}
}
