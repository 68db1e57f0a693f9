package router_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/go-docsync/internal/router"
	"github.com/a-essam23/go-docsync/pkg/crdt"
	"github.com/a-essam23/go-docsync/pkg/metrics"
	"github.com/a-essam23/go-docsync/pkg/protocol"
	"github.com/a-essam23/go-docsync/pkg/state/statemanager"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type recordingPeer struct {
	id   uuid.UUID
	mu   sync.Mutex
	sent []*protocol.Message
}

func (p *recordingPeer) ID() uuid.UUID { return p.id }
func (p *recordingPeer) Close(error)   {}

func (p *recordingPeer) Send(data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *recordingPeer) types() []protocol.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.MessageType
	for _, m := range p.sent {
		out = append(out, m.Type)
	}
	return out
}

type fixture struct {
	manager *statemanager.InMemoryManager
	router  *router.EventRouter
	metrics *metrics.Metrics
}

func newFixture(cfg router.Config) *fixture {
	m := metrics.New()
	manager := statemanager.NewInMemoryManager(newTestLogger(), statemanager.Options{Metrics: m})
	return &fixture{
		manager: manager,
		router:  router.NewEventRouter(newTestLogger(), manager, cfg, m),
		metrics: m,
	}
}

func (f *fixture) connect(t *testing.T, defaultDoc string) *recordingPeer {
	t.Helper()
	p := &recordingPeer{id: uuid.New()}
	_, err := f.manager.RegisterConnection(p, "127.0.0.1", "")
	require.NoError(t, err)
	f.router.Attach(p.id, defaultDoc)
	return p
}

func (f *fixture) send(p *recordingPeer, raw string) {
	f.router.HandleMessage(context.Background(), p.id, []byte(raw))
}

func (f *fixture) dropped(reason string) float64 {
	return testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues(reason))
}

func TestSubscribeStartsHandshake(t *testing.T) {
	f := newFixture(router.Config{})
	p := f.connect(t, "")

	f.send(p, `{"type":"subscribe","doc":"notes/a.md"}`)
	assert.True(t, f.manager.IsSubscribed(p.id, "notes/a.md"))
	assert.Equal(t, []protocol.MessageType{protocol.TypeSyncStep1}, p.types())

	f.send(p, `{"type":"sync-step-1","doc":"notes/a.md"}`)
	assert.Equal(t, []protocol.MessageType{protocol.TypeSyncStep1, protocol.TypeSyncStep2}, p.types())

	f.send(p, `{"type":"unsubscribe","doc":"notes/a.md"}`)
	assert.False(t, f.manager.IsSubscribed(p.id, "notes/a.md"))
}

func TestDefaultDocument(t *testing.T) {
	f := newFixture(router.Config{})
	p := f.connect(t, "a.md")
	_, err := f.manager.Subscribe(context.Background(), p.id, "a.md")
	require.NoError(t, err)

	op, err := crdt.NewDoc("c1").Insert(0, "typed")
	require.NoError(t, err)
	data, err := protocol.Encode(protocol.Update("", []crdt.Op{*op}))
	require.NoError(t, err)
	f.router.HandleMessage(context.Background(), p.id, data)

	r, ok := f.manager.FindRoom("a.md")
	require.True(t, ok)
	assert.Equal(t, "typed", r.Text())
}

func TestBadMessagesAreDroppedAndCounted(t *testing.T) {
	f := newFixture(router.Config{})
	p := f.connect(t, "")

	f.send(p, `not json`)
	f.send(p, `{"type":"launch-missiles"}`)
	assert.Equal(t, 2.0, f.dropped("malformed"))

	f.send(p, `{"type":"sync-step-1"}`)
	assert.Equal(t, 1.0, f.dropped("no_document"))

	f.send(p, `{"type":"sync-step-1","doc":"elsewhere.md"}`)
	assert.Equal(t, 1.0, f.dropped("not_subscribed"))
	assert.Empty(t, p.types())

	// the connection still works afterwards
	f.send(p, `{"type":"subscribe","doc":"a.md"}`)
	assert.Len(t, p.types(), 1)
}

func TestSubscribeRejectsUnstorableNames(t *testing.T) {
	f := newFixture(router.Config{})
	p := f.connect(t, "")

	f.send(p, `{"type":"subscribe","doc":"../../etc/passwd"}`)
	f.send(p, `{"type":"subscribe","doc":"."}`)
	f.send(p, `{"type":"subscribe","doc":"/abs.md"}`)
	assert.Equal(t, 3.0, f.dropped("invalid_document"))
	assert.Empty(t, f.manager.Rooms())
	assert.Empty(t, p.types())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(router.Config{PerSecond: 1, Burst: 2})
	p := f.connect(t, "")

	for i := 0; i < 5; i++ {
		f.send(p, `{"type":"subscribe","doc":"a.md"}`)
	}
	assert.Equal(t, 3.0, f.dropped("rate_limited"))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MessagesReceived.WithLabelValues("subscribe")))
}

func TestUnknownConnectionIsIgnored(t *testing.T) {
	f := newFixture(router.Config{})
	f.router.HandleMessage(context.Background(), uuid.New(), []byte(`{"type":"subscribe","doc":"a.md"}`))
	assert.Empty(t, f.manager.Rooms())
}

func TestCustomHandler(t *testing.T) {
	f := newFixture(router.Config{})
	p := f.connect(t, "")
	var seen string
	f.router.Handle(protocol.TypeSubscribe, func(mctx *router.MessageContext) error {
		seen = mctx.Message.Doc
		return nil
	})

	f.send(p, `{"type":"subscribe","doc":"hooked.md"}`)
	assert.Equal(t, "hooked.md", seen)
	assert.False(t, f.manager.IsSubscribed(p.id, "hooked.md"))
}
