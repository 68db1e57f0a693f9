package router

import (
	"context"

	"github.com/a-essam23/go-docsync/pkg/protocol"
	"github.com/a-essam23/go-docsync/pkg/state"
)

// MessageContext carries one decoded client message through its handler.
type MessageContext struct {
	context.Context
	Conn    *state.Connection
	Message *protocol.Message
}

// HandlerFunc handles one message type. A returned error is logged; it
// never closes the connection.
type HandlerFunc func(mctx *MessageContext) error

type Config struct {
	// PerSecond and Burst configure the per-connection token bucket. A
	// non-positive PerSecond disables rate limiting.
	PerSecond float64 `mapstructure:"perSecond"`
	Burst     int     `mapstructure:"burst"`
}
