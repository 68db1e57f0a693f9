// Package room holds the live state of one shared document and runs the sync
// protocol for every connection subscribed to it. The room is the hub of a
// star: operations from one member are merged once and fanned out to the rest.
package room

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-docsync/pkg/awareness"
	"github.com/a-essam23/go-docsync/pkg/crdt"
	"github.com/a-essam23/go-docsync/pkg/metrics"
	"github.com/a-essam23/go-docsync/pkg/protocol"
	"github.com/google/uuid"
)

// Peer is the room's handle on one connection.
type Peer interface {
	ID() uuid.UUID
	// Send queues msg without blocking. An error means the peer cannot be
	// written to and must be dropped.
	Send(msg []byte) error
	Close(err error)
}

// Relay forwards room traffic to sibling server processes.
type Relay interface {
	Publish(room string, msg *protocol.Message)
}

type SyncState int

const (
	Unsynced SyncState = iota
	Syncing
	Synced
)

func (s SyncState) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

type member struct {
	peer    Peer
	state   SyncState
	replica string
}

type Options struct {
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	Relay            Relay
	AwarenessTimeout time.Duration
	Clock            func() time.Time
}

type Room struct {
	name string

	mu       sync.Mutex
	doc      *crdt.Doc
	presence *awareness.Store
	members  map[uuid.UUID]*member
	// owners maps an awareness client id to the connection that declared it.
	owners  map[string]uuid.UUID
	version uint64
	saved   uint64

	relay   Relay
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New wraps doc, which the room owns from now on.
func New(name string, doc *crdt.Doc, opts Options) *Room {
	if doc == nil {
		doc = crdt.NewDoc("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	presenceOpts := []awareness.Option{awareness.WithTimeout(opts.AwarenessTimeout)}
	if opts.Clock != nil {
		presenceOpts = append(presenceOpts, awareness.WithClock(opts.Clock))
	}
	return &Room{
		name:     name,
		doc:      doc,
		presence: awareness.NewStore(presenceOpts...),
		members:  make(map[uuid.UUID]*member),
		owners:   make(map[string]uuid.UUID),
		relay:    opts.Relay,
		metrics:  opts.Metrics,
		logger:   logger.With(slog.String("component", "room"), slog.String("doc", name)),
	}
}

func (r *Room) Name() string {
	return r.name
}

// Join adds p to the room and opens the handshake by sending the room's state
// vector followed by every known presence.
func (r *Room) Join(p Peer) {
	r.mu.Lock()
	if _, ok := r.members[p.ID()]; ok {
		r.mu.Unlock()
		return
	}
	m := &member{peer: p, state: Unsynced}
	r.members[p.ID()] = m

	failed := r.sendLocked(m, protocol.SyncStep1(r.name, "", r.doc.StateVector()))
	if failed == nil {
		m.state = Syncing
		for _, e := range r.presence.States() {
			if failed = r.sendLocked(m, protocol.Awareness(r.name, awareness.Update{ClientID: e.ClientID, Clock: e.Clock, Payload: e.Payload})); failed != nil {
				break
			}
		}
	}
	r.mu.Unlock()

	r.logger.Debug("Peer joined room", slog.String("connID", p.ID().String()))
	r.evict(failed)
}

// Leave removes p and returns the number of members left. Presence declared
// by p is kept until it times out so a quick reconnect does not flicker.
func (r *Room) Leave(p Peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(p.ID())
	return len(r.members)
}

// Handle runs one protocol message from a member.
func (r *Room) Handle(p Peer, msg *protocol.Message) {
	r.mu.Lock()
	m, ok := r.members[p.ID()]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("Dropping message from non-member", slog.String("connID", p.ID().String()), slog.String("type", string(msg.Type)))
		r.metrics.MessageDropped("not_subscribed")
		return
	}

	var failed []Peer
	switch msg.Type {
	case protocol.TypeSyncStep1:
		if msg.ClientID != "" {
			m.replica = msg.ClientID
		}
		failed = r.sendLocked(m, protocol.SyncStep2(r.name, r.doc.Diff(msg.StateVector)))
		if failed == nil {
			m.state = Synced
		}
	case protocol.TypeSyncStep2, protocol.TypeUpdate:
		failed = r.applyLocked(msg.Operations, p.ID(), true)
	case protocol.TypeAwareness:
		failed = r.awarenessLocked(msg, p.ID())
	case protocol.TypeAwarenessLeave:
		failed = r.awarenessLeaveLocked(msg, p.ID())
	default:
		r.logger.Warn("Unsupported message type for room", slog.String("type", string(msg.Type)))
		r.metrics.MessageDropped("unsupported")
	}
	r.mu.Unlock()
	r.evict(failed)
}

// HandleRelayed runs a message published by a sibling process. Its effects
// reach local members only and are never published back.
func (r *Room) HandleRelayed(msg *protocol.Message) {
	r.mu.Lock()
	var failed []Peer
	switch msg.Type {
	case protocol.TypeSyncStep1:
		if diff := r.doc.Diff(msg.StateVector); len(diff) > 0 && r.relay != nil {
			r.relay.Publish(r.name, protocol.SyncStep2(r.name, diff))
		}
	case protocol.TypeSyncStep2, protocol.TypeUpdate:
		failed = r.applyLocked(msg.Operations, uuid.Nil, false)
	case protocol.TypeAwareness:
		failed = r.awarenessLocked(msg, uuid.Nil)
	case protocol.TypeAwarenessLeave:
		failed = r.awarenessLeaveLocked(msg, uuid.Nil)
	}
	r.mu.Unlock()
	r.evict(failed)
}

// Announce asks sibling processes for operations this room is missing.
func (r *Room) Announce() {
	if r.relay == nil {
		return
	}
	r.mu.Lock()
	sv := r.doc.StateVector()
	r.mu.Unlock()
	r.relay.Publish(r.name, protocol.SyncStep1(r.name, "", sv))
}

// ExpireAwareness retracts presence not refreshed within the liveness window
// and returns how many entries were removed.
func (r *Room) ExpireAwareness(now time.Time) int {
	r.mu.Lock()
	removed := r.presence.RemoveStale(now)
	var failed []Peer
	for _, u := range removed {
		delete(r.owners, u.ClientID)
		failed = append(failed, r.broadcastLocked(protocol.Awareness(r.name, u), uuid.Nil, false)...)
	}
	r.mu.Unlock()

	r.metrics.AwarenessRemoved("timeout", len(removed))
	r.evict(failed)
	return len(removed)
}

func (r *Room) applyLocked(ops []crdt.Op, from uuid.UUID, publish bool) []Peer {
	applied, err := r.doc.Apply(ops...)
	if err != nil {
		r.logger.Warn("Dropped invalid operations", slog.Any("error", err))
		r.metrics.MessageDropped("invalid_operation")
	}
	if len(applied) == 0 {
		return nil
	}
	r.version++
	r.metrics.OperationsApplied(len(applied))

	update := protocol.Update(r.name, applied)
	if publish && r.relay != nil {
		r.relay.Publish(r.name, update)
	}
	return r.broadcastLocked(update, from, true)
}

func (r *Room) awarenessLocked(msg *protocol.Message, from uuid.UUID) []Peer {
	if owner, ok := r.owners[msg.ClientID]; ok && owner != from {
		r.logger.Warn("Rejected awareness update for a client owned by another connection",
			slog.String("clientID", msg.ClientID),
			slog.String("connID", from.String()),
		)
		r.metrics.MessageDropped("awareness_owner")
		return nil
	}
	if !r.presence.ApplyRemote(msg.ClientID, msg.Payload, msg.Clock) {
		return nil
	}
	if from != uuid.Nil {
		r.owners[msg.ClientID] = from
		if r.relay != nil {
			r.relay.Publish(r.name, msg)
		}
	}
	return r.broadcastLocked(protocol.Awareness(r.name, awareness.Update{ClientID: msg.ClientID, Clock: msg.Clock, Payload: msg.Payload}), from, false)
}

func (r *Room) awarenessLeaveLocked(msg *protocol.Message, from uuid.UUID) []Peer {
	if owner, ok := r.owners[msg.ClientID]; ok && owner != from {
		r.metrics.MessageDropped("awareness_owner")
		return nil
	}
	if !r.presence.ApplyLeave(msg.ClientID, msg.Clock) {
		return nil
	}
	delete(r.owners, msg.ClientID)
	r.metrics.AwarenessRemoved("leave", 1)

	leave := protocol.AwarenessLeave(r.name, msg.ClientID, msg.Clock)
	if from != uuid.Nil && r.relay != nil {
		r.relay.Publish(r.name, leave)
	}
	return r.broadcastLocked(leave, from, false)
}

// broadcastLocked sends msg to every member except the sender and returns the
// members whose queue rejected it; they are already removed from the room.
func (r *Room) broadcastLocked(msg *protocol.Message, except uuid.UUID, syncedOnly bool) []Peer {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("Failed to encode broadcast", slog.Any("error", err))
		return nil
	}
	var failed []Peer
	for id, m := range r.members {
		if id == except || (syncedOnly && m.state != Synced) {
			continue
		}
		if err := m.peer.Send(data); err != nil {
			r.logger.Warn("Evicting peer after failed send", slog.String("connID", id.String()), slog.Any("error", err))
			r.removeLocked(id)
			failed = append(failed, m.peer)
		}
	}
	return failed
}

func (r *Room) sendLocked(m *member, msg *protocol.Message) []Peer {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("Failed to encode message", slog.Any("error", err))
		return nil
	}
	if err := m.peer.Send(data); err != nil {
		r.logger.Warn("Evicting peer after failed send", slog.String("connID", m.peer.ID().String()), slog.Any("error", err))
		r.removeLocked(m.peer.ID())
		return []Peer{m.peer}
	}
	return nil
}

func (r *Room) removeLocked(id uuid.UUID) {
	delete(r.members, id)
	for client, owner := range r.owners {
		if owner == id {
			delete(r.owners, client)
		}
	}
}

// evict closes peers outside the room lock; closing re-enters the room
// through the connection's close handler.
func (r *Room) evict(peers []Peer) {
	for _, p := range peers {
		r.metrics.PeerEvicted()
		p.Close(fmt.Errorf("evicted from room %q", r.name))
	}
}

// Snapshot serializes the document under the room lock and returns the
// version it reflects.
func (r *Room) Snapshot(format crdt.Format) ([]byte, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := crdt.Encode(r.doc, format)
	if err != nil {
		return nil, 0, err
	}
	return data, r.version, nil
}

// MarkSaved records that version has reached storage.
func (r *Room) MarkSaved(version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.saved {
		r.saved = version
	}
}

// Dirty reports whether the room changed since it was last saved.
func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version > r.saved
}

func (r *Room) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// MemberState reports the handshake state of a member.
func (r *Room) MemberState(id uuid.UUID) (SyncState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return Unsynced, false
	}
	return m.state, true
}

// MemberReplica returns the replica id a member declared in its handshake.
func (r *Room) MemberReplica(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[id]; ok {
		return m.replica
	}
	return ""
}

func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.String()
}

func (r *Room) StateVector() crdt.StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.StateVector()
}

func (r *Room) Presence() []awareness.Entry {
	return r.presence.States()
}
