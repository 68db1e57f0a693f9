package statemanager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/go-docsync/pkg/crdt"
	"github.com/a-essam23/go-docsync/pkg/metrics"
	"github.com/a-essam23/go-docsync/pkg/protocol"
	"github.com/a-essam23/go-docsync/pkg/room"
	"github.com/a-essam23/go-docsync/pkg/state"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	loadTimeout  = 30 * time.Second
	evictTimeout = 10 * time.Second
)

type Options struct {
	Initializer      state.Initializer
	Metrics          *metrics.Metrics
	Relay            room.Relay
	AwarenessTimeout time.Duration
	Clock            func() time.Time

	// OnIdle runs after the last connection leaves a room.
	OnIdle func(r *room.Room)
	// MaxIdleRooms bounds the rooms kept in memory without connections. Zero
	// keeps every room for the lifetime of the process.
	MaxIdleRooms int
	// OnEvict persists an idle room before it is dropped. The room stays in
	// memory when it fails.
	OnEvict func(ctx context.Context, r *room.Room) error
}

type InMemoryManager struct {
	conns    map[uuid.UUID]*state.Connection
	subs     map[uuid.UUID]map[string]struct{}
	byClient map[string]map[uuid.UUID]*state.Connection
	rooms    map[string]*room.Room

	connMu sync.RWMutex
	roomMu sync.RWMutex

	loading singleflight.Group
	idle    *lru.Cache[string, struct{}]
	opts    Options

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger, opts Options) *InMemoryManager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	m := &InMemoryManager{
		conns:    make(map[uuid.UUID]*state.Connection),
		subs:     make(map[uuid.UUID]map[string]struct{}),
		byClient: make(map[string]map[uuid.UUID]*state.Connection),
		rooms:    make(map[string]*room.Room),
		opts:     opts,
		logger:   logger.With(slog.String("component", "state_manager_inmemory")),
	}
	if opts.MaxIdleRooms > 0 {
		// only a non-positive size makes the constructor fail
		m.idle, _ = lru.NewWithEvict[string, struct{}](opts.MaxIdleRooms, func(name string, _ struct{}) {
			m.evict(name)
		})
	}
	return m
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(peer room.Peer, ipAddr, userID string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := peer.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, state.ErrAlreadyRegistered
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		UserID:    userID,
		Transport: peer,
		CreatedAt: m.opts.Clock(),
	}
	m.conns[connID] = newConn
	m.subs[connID] = make(map[string]struct{})

	key := newConn.ClientKey()
	if m.byClient[key] == nil {
		m.byClient[key] = make(map[uuid.UUID]*state.Connection)
	}
	m.byClient[key][connID] = newConn

	m.opts.Metrics.ConnectionOpened()
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()), slog.String("client", key))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		m.connMu.Unlock()
		return nil
	}
	subscribed := m.subs[connID]
	delete(m.conns, connID)
	delete(m.subs, connID)
	key := conn.ClientKey()
	delete(m.byClient[key], connID)
	if len(m.byClient[key]) == 0 {
		delete(m.byClient, key)
	}
	m.connMu.Unlock()

	for name := range subscribed {
		m.leave(conn, name)
	}
	m.opts.Metrics.ConnectionClosed()
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.Int("rooms", len(subscribed)))
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) CountConnections(clientKey string) int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.byClient[clientKey])
}

func (m *InMemoryManager) FindOldestConnection(clientKey string) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	var oldestConn *state.Connection
	for _, conn := range m.byClient[clientKey] {
		if oldestConn == nil || conn.CreatedAt.Before(oldestConn.CreatedAt) {
			oldestConn = conn
		}
	}
	return oldestConn, oldestConn != nil
}

func (m *InMemoryManager) AllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// --- Room & Membership Management ---

func (m *InMemoryManager) Resolve(ctx context.Context, name string) (*room.Room, error) {
	if r, ok := m.FindRoom(name); ok {
		return r, nil
	}
	v, err, _ := m.loading.Do(name, func() (interface{}, error) {
		if r, ok := m.FindRoom(name); ok {
			return r, nil
		}
		// a caller giving up must not leave the room half loaded for the others
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return m.load(loadCtx, name), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*room.Room), nil
}

// load materializes a room. Storage problems degrade to an empty document
// rather than refusing the room.
func (m *InMemoryManager) load(ctx context.Context, name string) *room.Room {
	var data []byte
	if m.opts.Initializer != nil {
		stored, ok, err := m.opts.Initializer.Load(ctx, name)
		switch {
		case err != nil:
			m.logger.Warn("Failed to load document, starting empty", slog.String("doc", name), slog.Any("error", err))
		case ok:
			data = stored
		}
	}
	doc, err := crdt.Decode("", data)
	if err != nil {
		m.logger.Error("Stored document is unreadable, starting empty", slog.String("doc", name), slog.Any("error", err))
		doc = crdt.NewDoc("")
	}

	r := room.New(name, doc, room.Options{
		Logger:           m.logger,
		Metrics:          m.opts.Metrics,
		Relay:            m.opts.Relay,
		AwarenessTimeout: m.opts.AwarenessTimeout,
		Clock:            m.opts.Clock,
	})

	m.roomMu.Lock()
	m.rooms[name] = r
	count := len(m.rooms)
	m.roomMu.Unlock()

	m.opts.Metrics.RoomsInMemory(count)
	m.logger.Info("Room loaded", slog.String("doc", name), slog.Int("length", doc.Len()))
	r.Announce()
	return r
}

func (m *InMemoryManager) Subscribe(ctx context.Context, connID uuid.UUID, name string) (*room.Room, error) {
	conn, ok := m.GetConnection(connID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownConnection, connID)
	}

	m.connMu.Lock()
	subs, ok := m.subs[connID]
	if !ok {
		m.connMu.Unlock()
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownConnection, connID)
	}
	if _, already := subs[name]; already {
		m.connMu.Unlock()
		r, _ := m.FindRoom(name)
		return r, nil
	}
	subs[name] = struct{}{}
	m.connMu.Unlock()

	for {
		r, err := m.Resolve(ctx, name)
		if err != nil {
			m.connMu.Lock()
			delete(m.subs[connID], name)
			m.connMu.Unlock()
			return nil, err
		}
		// Holding the read lock keeps an idle eviction from dropping the
		// room between lookup and join.
		m.roomMu.RLock()
		current := m.rooms[name]
		if current == r {
			r.Join(conn.Transport)
		}
		m.roomMu.RUnlock()

		if current != r {
			continue
		}
		// A deregister or unsubscribe that ran while the room was loading has
		// already left; undo the join it could not see.
		m.connMu.RLock()
		_, still := m.subs[connID][name]
		m.connMu.RUnlock()
		if !still {
			m.leave(conn, name)
			return nil, fmt.Errorf("%w: %s", state.ErrUnknownConnection, connID)
		}
		if m.idle != nil {
			m.idle.Remove(name)
		}
		m.logger.Debug("Connection subscribed", slog.String("connID", connID.String()), slog.String("doc", name))
		return r, nil
	}
}

func (m *InMemoryManager) Unsubscribe(connID uuid.UUID, name string) error {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.connMu.Unlock()
		return fmt.Errorf("%w: %s", state.ErrUnknownConnection, connID)
	}
	_, subscribed := m.subs[connID][name]
	delete(m.subs[connID], name)
	m.connMu.Unlock()

	if subscribed {
		m.leave(conn, name)
	}
	return nil
}

func (m *InMemoryManager) IsSubscribed(connID uuid.UUID, name string) bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	_, ok := m.subs[connID][name]
	return ok
}

func (m *InMemoryManager) leave(conn *state.Connection, name string) {
	r, ok := m.FindRoom(name)
	if !ok {
		return
	}
	if remaining := r.Leave(conn.Transport); remaining > 0 {
		return
	}
	m.logger.Debug("Room is idle", slog.String("doc", name))
	if m.opts.OnIdle != nil {
		m.opts.OnIdle(r)
	}
	if m.idle != nil {
		m.idle.Add(name, struct{}{})
	}
}

// evict drops an idle room once its content is safely stored. Rooms that
// gained a connection or an edit in the meantime stay.
func (m *InMemoryManager) evict(name string) {
	r, ok := m.FindRoom(name)
	if !ok || r.ActiveCount() > 0 {
		return
	}
	if m.opts.OnEvict != nil {
		ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
		err := m.opts.OnEvict(ctx, r)
		cancel()
		if err != nil {
			m.logger.Warn("Keeping idle room after failed save", slog.String("doc", name), slog.Any("error", err))
			return
		}
	}

	m.roomMu.Lock()
	if m.rooms[name] != r || r.ActiveCount() > 0 || r.Dirty() {
		m.roomMu.Unlock()
		return
	}
	delete(m.rooms, name)
	count := len(m.rooms)
	m.roomMu.Unlock()

	m.opts.Metrics.RoomEvicted()
	m.opts.Metrics.RoomsInMemory(count)
	m.logger.Info("Evicted idle room", slog.String("doc", name))
}

func (m *InMemoryManager) FindRoom(name string) (*room.Room, bool) {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	r, ok := m.rooms[name]
	return r, ok
}

// Rooms returns every loaded room ordered by name.
func (m *InMemoryManager) Rooms() []*room.Room {
	m.roomMu.RLock()
	rooms := make([]*room.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.roomMu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name() < rooms[j].Name() })
	return rooms
}

func (m *InMemoryManager) DeliverRelayed(msg *protocol.Message) {
	r, ok := m.FindRoom(msg.Doc)
	if !ok {
		return
	}
	r.HandleRelayed(msg)
}

// RunJanitor retracts expired presence in every room until ctx is done.
func (m *InMemoryManager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := m.opts.Clock()
			removed := 0
			for _, r := range m.Rooms() {
				removed += r.ExpireAwareness(now)
			}
			if removed > 0 {
				m.logger.Debug("Expired stale presence", slog.Int("removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}
