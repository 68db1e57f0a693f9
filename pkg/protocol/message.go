// Package protocol defines the JSON messages exchanged between editors and the
// sync server, one message per WebSocket text frame.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/a-essam23/go-docsync/pkg/awareness"
	"github.com/a-essam23/go-docsync/pkg/crdt"
	"github.com/tidwall/gjson"
)

var ErrMalformed = errors.New("protocol: malformed message")

type MessageType string

const (
	TypeSyncStep1      MessageType = "sync-step-1"
	TypeSyncStep2      MessageType = "sync-step-2"
	TypeUpdate         MessageType = "update"
	TypeAwareness      MessageType = "awareness"
	TypeAwarenessLeave MessageType = "awareness-leave"
	TypeSubscribe      MessageType = "subscribe"
	TypeUnsubscribe    MessageType = "unsubscribe"
)

var knownTypes = map[MessageType]struct{}{
	TypeSyncStep1:      {},
	TypeSyncStep2:      {},
	TypeUpdate:         {},
	TypeAwareness:      {},
	TypeAwarenessLeave: {},
	TypeSubscribe:      {},
	TypeUnsubscribe:    {},
}

type Message struct {
	Type        MessageType      `json:"type"`
	Doc         string           `json:"doc,omitempty"`
	ClientID    string           `json:"clientId,omitempty"`
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Operations  []crdt.Op        `json:"operations,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Clock       uint64           `json:"clock,omitempty"`

	// Origin is set only on messages relayed between server processes.
	Origin string `json:"origin,omitempty"`
}

// Decode parses and validates one frame. The type is checked before the full
// unmarshal so unknown messages are rejected cheaply.
func Decode(data []byte) (*Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if _, ok := knownTypes[MessageType(typ.String())]; !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, typ.String())
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the fields each message type requires. Operations are
// validated later, individually, when they are merged.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeSyncStep1:
	case TypeSyncStep2:
	case TypeUpdate:
		if len(m.Operations) == 0 {
			return fmt.Errorf("%w: update without operations", ErrMalformed)
		}
	case TypeAwareness:
		if m.ClientID == "" || m.Clock == 0 || len(m.Payload) == 0 {
			return fmt.Errorf("%w: awareness needs clientId, clock and payload", ErrMalformed)
		}
		if string(m.Payload) == "null" {
			return fmt.Errorf("%w: awareness payload is null, use awareness-leave", ErrMalformed)
		}
	case TypeAwarenessLeave:
		if m.ClientID == "" {
			return fmt.Errorf("%w: awareness-leave needs clientId", ErrMalformed)
		}
	case TypeSubscribe, TypeUnsubscribe:
		if m.Doc == "" {
			return fmt.Errorf("%w: %s needs doc", ErrMalformed, m.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type, err)
	}
	return data, nil
}

func SyncStep1(doc, clientID string, sv crdt.StateVector) *Message {
	if sv == nil {
		sv = crdt.StateVector{}
	}
	return &Message{Type: TypeSyncStep1, Doc: doc, ClientID: clientID, StateVector: sv}
}

func SyncStep2(doc string, ops []crdt.Op) *Message {
	return &Message{Type: TypeSyncStep2, Doc: doc, Operations: ops}
}

func Update(doc string, ops []crdt.Op) *Message {
	return &Message{Type: TypeUpdate, Doc: doc, Operations: ops}
}

// Awareness builds the broadcast for a presence change; removals become
// awareness-leave messages.
func Awareness(doc string, u awareness.Update) *Message {
	if u.Removed() {
		return AwarenessLeave(doc, u.ClientID, u.Clock)
	}
	return &Message{Type: TypeAwareness, Doc: doc, ClientID: u.ClientID, Payload: u.Payload, Clock: u.Clock}
}

func AwarenessLeave(doc, clientID string, clock uint64) *Message {
	return &Message{Type: TypeAwarenessLeave, Doc: doc, ClientID: clientID, Clock: clock}
}

func Subscribe(doc string) *Message {
	return &Message{Type: TypeSubscribe, Doc: doc}
}

func Unsubscribe(doc string) *Message {
	return &Message{Type: TypeUnsubscribe, Doc: doc}
}
