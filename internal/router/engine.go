package router

import (
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-docsync/pkg/protocol"
)

func (r *EventRouter) dispatch(mctx *MessageContext) error {
	handler, ok := r.handlers[mctx.Message.Type]
	if !ok {
		r.metrics.MessageDropped("unsupported")
		return fmt.Errorf("no handler for message type %q", mctx.Message.Type)
	}
	r.logger.Debug("Dispatching message", slog.String("type", string(mctx.Message.Type)), slog.String("connID", mctx.Conn.ID.String()))
	return handler(mctx)
}

func (r *EventRouter) registerCoreHandlers() {
	r.Handle(protocol.TypeSubscribe, r.handleSubscribe)
	r.Handle(protocol.TypeUnsubscribe, r.handleUnsubscribe)
	for _, t := range []protocol.MessageType{
		protocol.TypeSyncStep1,
		protocol.TypeSyncStep2,
		protocol.TypeUpdate,
		protocol.TypeAwareness,
		protocol.TypeAwarenessLeave,
	} {
		r.Handle(t, r.handleRoomMessage)
	}
}
