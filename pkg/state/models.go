package state

import (
	"time"

	"github.com/a-essam23/go-docsync/pkg/room"
	"github.com/google/uuid"
)

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	UserID    string    // empty for anonymous connections
	Transport room.Peer // The actual connection for sending messages
	CreatedAt time.Time
}

// ClientKey identifies the client a connection counts against for connection
// limits: the authenticated user when known, otherwise the remote address.
func (c *Connection) ClientKey() string {
	return ClientKey(c.UserID, c.IPAddress)
}

func ClientKey(userID, ipAddr string) string {
	if userID != "" {
		return "user:" + userID
	}
	return "ip:" + ipAddr
}
