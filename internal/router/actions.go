package router

import (
	"fmt"

	"github.com/a-essam23/go-docsync/pkg/storage"
)

func (r *EventRouter) handleSubscribe(mctx *MessageContext) error {
	if err := storage.ValidateName(mctx.Message.Doc); err != nil {
		r.metrics.MessageDropped("invalid_document")
		return fmt.Errorf("subscribe: %w", err)
	}
	if _, err := r.stateManager.Subscribe(mctx, mctx.Conn.ID, mctx.Message.Doc); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (r *EventRouter) handleUnsubscribe(mctx *MessageContext) error {
	return r.stateManager.Unsubscribe(mctx.Conn.ID, mctx.Message.Doc)
}

// handleRoomMessage forwards sync and awareness traffic to the room the
// connection joined.
func (r *EventRouter) handleRoomMessage(mctx *MessageContext) error {
	doc := mctx.Message.Doc
	if doc == "" {
		r.metrics.MessageDropped("no_document")
		return errNoDocument
	}
	if !r.stateManager.IsSubscribed(mctx.Conn.ID, doc) {
		r.metrics.MessageDropped("not_subscribed")
		return fmt.Errorf("%w: %s", errNotSubscribed, doc)
	}
	rm, ok := r.stateManager.FindRoom(doc)
	if !ok {
		r.metrics.MessageDropped("not_subscribed")
		return fmt.Errorf("%w: %s", errNotSubscribed, doc)
	}
	rm.Handle(mctx.Conn.Transport, mctx.Message)
	return nil
}
