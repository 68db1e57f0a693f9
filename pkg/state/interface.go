package state

import (
	"context"
	"errors"

	"github.com/a-essam23/go-docsync/pkg/protocol"
	"github.com/a-essam23/go-docsync/pkg/room"
	"github.com/google/uuid"
)

var (
	ErrAlreadyRegistered = errors.New("connection is already registered")
	ErrUnknownConnection = errors.New("unknown connection")
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(peer room.Peer, ipAddr, userID string) (*Connection, error)
	// DeregisterConnection removes the connection from every room it joined
	// before returning.
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	// CountConnections and FindOldestConnection take a Connection.ClientKey.
	CountConnections(clientKey string) int
	FindOldestConnection(clientKey string) (*Connection, bool)
	AllConnections() []*Connection

	// --- Room & Membership Management ---
	// Resolve returns the room for name, loading it on first use.
	Resolve(ctx context.Context, name string) (*room.Room, error)
	// Subscribe joins the connection to a room, which starts the sync handshake.
	Subscribe(ctx context.Context, connID uuid.UUID, name string) (*room.Room, error)
	Unsubscribe(connID uuid.UUID, name string) error
	IsSubscribed(connID uuid.UUID, name string) bool
	FindRoom(name string) (*room.Room, bool)
	Rooms() []*room.Room

	// DeliverRelayed hands a message published by another server process to
	// the local room, if it is loaded.
	DeliverRelayed(msg *protocol.Message)
}

// Initializer supplies the stored content of a document the first time it is
// loaded. ok is false for documents that were never stored.
type Initializer interface {
	Load(ctx context.Context, name string) (data []byte, ok bool, err error)
}

type InitializerFunc func(ctx context.Context, name string) ([]byte, bool, error)

func (f InitializerFunc) Load(ctx context.Context, name string) ([]byte, bool, error) {
	return f(ctx, name)
}
