// Package client is the editor side of the sync protocol. A Provider keeps one
// Replica in step with a document on the server and relays presence.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/xid"

	"github.com/a-essam23/go-docsync/pkg/awareness"
	"github.com/a-essam23/go-docsync/pkg/crdt"
	"github.com/a-essam23/go-docsync/pkg/protocol"
)

const (
	writeTimeout    = 10 * time.Second
	maxMessageBytes = 4 << 20
)

var ErrClosed = errors.New("client: provider closed")

type Options struct {
	// ClientID names this replica and its presence. A fresh xid is used when
	// empty.
	ClientID string
	// Replica defaults to a new Document for ClientID.
	Replica Replica
	// AwarenessTimeout is the server's liveness window. Presence is re-sent
	// every half window.
	AwarenessTimeout time.Duration
	// HTTPHeader is sent with the upgrade request, e.g. Authorization.
	HTTPHeader http.Header
	Logger     *slog.Logger

	// OnRemote receives operations from other clients after they were
	// merged into the replica.
	OnRemote func(ops []crdt.Op)
	// OnAwareness receives remote presence changes. A nil payload means the
	// client left.
	OnAwareness func(clientID string, payload json.RawMessage)
}

type Provider struct {
	doc      string
	clientID string
	replica  Replica
	conn     *websocket.Conn
	presence *awareness.Store
	opts     Options
	logger   *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	synced     chan struct{}
	syncedOnce sync.Once
	closeOnce  sync.Once

	mu      sync.Mutex
	local   json.RawMessage // last presence set, re-sent as heartbeat
	err     error
	closing bool
}

// Dial connects to baseURL/doc and starts the handshake. baseURL is a ws://
// or wss:// URL.
func Dial(ctx context.Context, baseURL, doc string, opts Options) (*Provider, error) {
	if doc == "" {
		return nil, errors.New("client: document name is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = xid.New().String()
	}
	if opts.Replica == nil {
		opts.Replica = NewDocument(opts.ClientID)
	}
	if opts.AwarenessTimeout <= 0 {
		opts.AwarenessTimeout = awareness.DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	url := strings.TrimRight(baseURL, "/") + "/" + doc
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: opts.HTTPHeader})
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageBytes)

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		doc:      doc,
		clientID: opts.ClientID,
		replica:  opts.Replica,
		conn:     conn,
		presence: awareness.NewStore(awareness.WithTimeout(opts.AwarenessTimeout)),
		opts:     opts,
		logger:   logger.With(slog.String("component", "provider"), slog.String("doc", doc), slog.String("clientID", opts.ClientID)),
		ctx:      runCtx,
		cancel:   cancel,
		synced:   make(chan struct{}),
	}

	if err := p.send(protocol.SyncStep1(doc, p.clientID, p.replica.StateVector())); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, err
	}

	p.wg.Add(2)
	go p.readLoop()
	go p.heartbeat()
	return p, nil
}

func (p *Provider) ClientID() string {
	return p.clientID
}

func (p *Provider) Replica() Replica {
	return p.replica
}

// WaitSynced blocks until the server's catch-up has been merged.
func (p *Provider) WaitSynced(ctx context.Context) error {
	select {
	case <-p.synced:
		return nil
	case <-p.ctx.Done():
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Synced reports whether the initial catch-up has been merged.
func (p *Provider) Synced() bool {
	select {
	case <-p.synced:
		return true
	default:
		return false
	}
}

// Err returns why the provider stopped, or nil while it runs.
func (p *Provider) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil && p.ctx.Err() != nil {
		return ErrClosed
	}
	return p.err
}

// SendOperations sends locally produced operations. An empty call is a
// no-op.
func (p *Provider) SendOperations(ops ...crdt.Op) error {
	if len(ops) == 0 {
		return nil
	}
	return p.send(protocol.Update(p.doc, ops))
}

// SetPresence publishes this client's presence. payload is marshalled to
// JSON and re-sent on every heartbeat until Close.
func (p *Provider) SetPresence(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: encode presence: %w", err)
	}
	if string(raw) == "null" {
		return errors.New("client: presence must not be null")
	}
	p.mu.Lock()
	p.local = raw
	p.mu.Unlock()
	return p.publishPresence(raw)
}

func (p *Provider) publishPresence(raw json.RawMessage) error {
	u := p.presence.SetLocal(p.clientID, raw)
	return p.send(protocol.Awareness(p.doc, u))
}

// Presence returns the live remote presence entries.
func (p *Provider) Presence() []awareness.Entry {
	all := p.presence.States()
	out := all[:0]
	for _, e := range all {
		if e.ClientID != p.clientID {
			out = append(out, e)
		}
	}
	return out
}

func (p *Provider) send(msg *protocol.Message) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("client: send %s: %w", msg.Type, err)
	}
	return nil
}

func (p *Provider) readLoop() {
	defer p.wg.Done()
	for {
		_, data, err := p.conn.Read(p.ctx)
		if err != nil {
			p.stop(err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			p.logger.Warn("Dropping malformed server message", slog.Any("error", err))
			continue
		}
		p.handle(msg)
	}
}

func (p *Provider) handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeSyncStep1:
		if err := p.send(protocol.SyncStep2(p.doc, p.replica.Diff(msg.StateVector))); err != nil {
			p.logger.Warn("Failed to answer sync-step-1", slog.Any("error", err))
		}
	case protocol.TypeSyncStep2:
		p.merge(msg.Operations)
		p.syncedOnce.Do(func() { close(p.synced) })
	case protocol.TypeUpdate:
		p.merge(msg.Operations)
	case protocol.TypeAwareness:
		if msg.ClientID == p.clientID {
			return
		}
		if p.presence.ApplyRemote(msg.ClientID, msg.Payload, msg.Clock) && p.opts.OnAwareness != nil {
			p.opts.OnAwareness(msg.ClientID, msg.Payload)
		}
	case protocol.TypeAwarenessLeave:
		if msg.ClientID == p.clientID {
			return
		}
		if p.presence.ApplyLeave(msg.ClientID, msg.Clock) && p.opts.OnAwareness != nil {
			p.opts.OnAwareness(msg.ClientID, nil)
		}
	}
}

func (p *Provider) merge(ops []crdt.Op) {
	if len(ops) == 0 {
		return
	}
	applied, err := p.replica.ApplyRemote(ops...)
	if err != nil {
		p.logger.Warn("Dropped invalid operations from server", slog.Any("error", err))
	}
	if len(applied) > 0 && p.opts.OnRemote != nil {
		p.opts.OnRemote(applied)
	}
}

// heartbeat re-sends local presence and retracts remote presence that went
// silent for longer than the liveness window.
func (p *Provider) heartbeat() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.presence.Timeout() / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			local := p.local
			p.mu.Unlock()
			if local != nil {
				if err := p.publishPresence(local); err != nil {
					p.logger.Debug("Presence heartbeat failed", slog.Any("error", err))
				}
			}
			for _, u := range p.presence.RemoveStale(time.Now()) {
				if u.ClientID != p.clientID && p.opts.OnAwareness != nil {
					p.opts.OnAwareness(u.ClientID, nil)
				}
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Provider) stop(err error) {
	p.mu.Lock()
	if p.err == nil && err != nil && !p.closing {
		p.err = err
	}
	p.mu.Unlock()
	p.cancel()
}

// Close retracts this client's presence, closes the connection and waits for
// the background goroutines.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if u, ok := p.presence.RemoveExplicit(p.clientID); ok {
			if sendErr := p.send(protocol.AwarenessLeave(p.doc, p.clientID, u.Clock)); sendErr != nil {
				p.logger.Debug("Failed to send awareness-leave", slog.Any("error", sendErr))
			}
		}
		p.mu.Lock()
		p.closing = true
		p.mu.Unlock()
		err = p.conn.Close(websocket.StatusNormalClosure, "")
		p.stop(nil)
		p.wg.Wait()
		if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
			err = nil
		}
	})
	return err
}
