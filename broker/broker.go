// Package broker relays fan-out messages between server instances so that
// sessions of one user connected to different instances still see each
// other's updates.
package broker

import (
	"context"
	"encoding/json"
)

// Message is one relayed fan-out. Instances ignore messages carrying their
// own ServerID.
type Message struct {
	ServerID       string          `json:"server_id"`
	UserID         string          `json:"user_id"`
	ExcludeSession string          `json:"exclude_session,omitempty"`
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis.
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}

// MessageBroker publishes and subscribes to relay channels.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe returns a channel closed when ctx ends or the broker closes.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Type() string
	Close() error
}
