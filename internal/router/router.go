package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/a-essam23/go-docsync/pkg/metrics"
	"github.com/a-essam23/go-docsync/pkg/protocol"
	"github.com/a-essam23/go-docsync/pkg/state"
)

var (
	errNoDocument    = errors.New("message names no document")
	errNotSubscribed = errors.New("connection is not subscribed to the document")
)

type connEntry struct {
	limiter    *rate.Limiter
	defaultDoc string
}

type EventRouter struct {
	logger       *slog.Logger
	stateManager state.Manager
	metrics      *metrics.Metrics
	config       Config

	handlers map[protocol.MessageType]HandlerFunc

	mu    sync.Mutex
	conns map[uuid.UUID]*connEntry
}

func NewEventRouter(logger *slog.Logger, stateManager state.Manager, cfg Config, m *metrics.Metrics) *EventRouter {
	r := &EventRouter{
		logger:       logger.With(slog.String("component", "event_router")),
		stateManager: stateManager,
		metrics:      m,
		config:       cfg,
		handlers:     make(map[protocol.MessageType]HandlerFunc),
		conns:        make(map[uuid.UUID]*connEntry),
	}
	r.registerCoreHandlers()
	return r
}

// Handle registers h for messages of type t, replacing any earlier handler.
func (r *EventRouter) Handle(t protocol.MessageType, h HandlerFunc) {
	r.handlers[t] = h
}

// Attach prepares per-connection state. defaultDoc is used for messages that
// do not name a document; it may be empty.
func (r *EventRouter) Attach(connID uuid.UUID, defaultDoc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &connEntry{limiter: r.newLimiter(), defaultDoc: defaultDoc}
}

func (r *EventRouter) Detach(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

func (r *EventRouter) newLimiter() *rate.Limiter {
	if r.config.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := r.config.Burst
	if burst <= 0 {
		burst = int(r.config.PerSecond)
	}
	return rate.NewLimiter(rate.Limit(r.config.PerSecond), burst)
}

func (r *EventRouter) entry(connID uuid.UUID) *connEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		e = &connEntry{limiter: r.newLimiter()}
		r.conns[connID] = e
	}
	return e
}

// HandleMessage is the transport's message callback. Bad input is dropped
// and logged; the connection stays open.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	e := r.entry(connID)
	if !e.limiter.Allow() {
		r.metrics.MessageDropped("rate_limited")
		r.logger.Warn("Rate limit exceeded, dropping message", slog.String("connID", connID.String()))
		return
	}

	clientMsg, err := protocol.Decode(msg)
	if err != nil {
		r.metrics.MessageDropped("malformed")
		r.logger.Warn("Failed to decode client message", slog.String("connID", connID.String()), slog.Any("error", err))
		return
	}
	r.metrics.MessageReceived(string(clientMsg.Type))

	connProfile, ok := r.stateManager.GetConnection(connID)
	if !ok {
		r.logger.Error("could not find connection profile for active connection", slog.String("connID", connID.String()))
		return
	}
	if clientMsg.Doc == "" {
		clientMsg.Doc = e.defaultDoc
	}

	mctx := &MessageContext{
		Context: ctx,
		Conn:    connProfile,
		Message: clientMsg,
	}
	if err := r.dispatch(mctx); err != nil {
		r.logger.Warn("Message handler failed",
			slog.String("type", string(clientMsg.Type)),
			slog.String("doc", clientMsg.Doc),
			slog.String("connID", connID.String()),
			slog.Any("error", err),
		)
	}
}
