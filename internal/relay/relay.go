// Package relay fans room traffic out to sibling server processes over Redis
// pub/sub so clients connected to different processes share one document.
package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/a-essam23/go-docsync/pkg/metrics"
	"github.com/a-essam23/go-docsync/pkg/protocol"
)

const DefaultChannelPrefix = "docsync:room:"

// Sink receives messages published by other processes.
type Sink interface {
	DeliverRelayed(msg *protocol.Message)
}

type Config struct {
	ChannelPrefix string
	QueueSize     int
}

type envelope struct {
	channel string
	data    []byte
}

type Relay struct {
	client redis.UniversalClient
	prefix string
	nodeID string
	queue  chan envelope
	ready  chan struct{}

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(client redis.UniversalClient, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultChannelPrefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	nodeID := xid.New().String()
	return &Relay{
		client:  client,
		prefix:  cfg.ChannelPrefix,
		nodeID:  nodeID,
		queue:   make(chan envelope, cfg.QueueSize),
		ready:   make(chan struct{}),
		metrics: m,
		logger:  logger.With(slog.String("component", "relay"), slog.String("node", nodeID)),
	}
}

func (r *Relay) NodeID() string {
	return r.nodeID
}

// Ready is closed once the subscription is confirmed by the server.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Publish queues msg for the room's channel without blocking. Messages are
// dropped when the queue is full.
func (r *Relay) Publish(room string, msg *protocol.Message) {
	out := *msg
	out.Doc = room
	out.Origin = r.nodeID
	data, err := protocol.Encode(&out)
	if err != nil {
		r.logger.Error("Failed to encode relay message", slog.Any("error", err))
		return
	}
	select {
	case r.queue <- envelope{channel: r.prefix + room, data: data}:
	default:
		r.metrics.RelayDropped()
		r.logger.Warn("Relay queue full, dropping message", slog.String("doc", room), slog.String("type", string(msg.Type)))
	}
}

// Run publishes queued messages and delivers messages from other nodes to
// sink until ctx is done.
func (r *Relay) Run(ctx context.Context, sink Sink) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	close(r.ready)
	r.logger.Info("Relay subscribed", slog.String("pattern", r.prefix+"*"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()
	defer wg.Wait()

	ch := pubsub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(m, sink)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case env := <-r.queue:
			if err := r.client.Publish(ctx, env.channel, env.data).Err(); err != nil && ctx.Err() == nil {
				r.logger.Warn("Failed to publish relay message", slog.String("channel", env.channel), slog.Any("error", err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) deliver(m *redis.Message, sink Sink) {
	msg, err := protocol.Decode([]byte(m.Payload))
	if err != nil {
		r.logger.Warn("Dropping malformed relay message", slog.String("channel", m.Channel), slog.Any("error", err))
		return
	}
	if msg.Origin == r.nodeID {
		return
	}
	msg.Doc = strings.TrimPrefix(m.Channel, r.prefix)
	sink.DeliverRelayed(msg)
}
