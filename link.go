package lattice

import (
	"log/slog"

	"github.com/google/uuid"
)

// Link identifies one peer connection. It is a cheap, copyable value: a
// stable id minted when the connection completes its handshake, the peer's
// advertised name, and a non-owning handle to the live session.
//
// Equality is by id only. A Link may outlive its session (e.g. in a log
// line or a pending-request record); any I/O attempt through it after the
// session is torn down fails with ErrLinkGone. Ownership of the session
// stays with the mesh, a Link never extends its lifetime.
type Link struct {
	ID          uuid.UUID
	Description string

	sess *session
}

// Equal reports whether both links identify the same connection instance.
func (l Link) Equal(other Link) bool {
	return l.ID == other.ID
}

// resolve returns the live session behind the link, or false once the
// underlying transport has been torn down.
func (l Link) resolve() (*session, bool) {
	if l.sess == nil || l.sess.isClosed() {
		return nil, false
	}
	return l.sess, true
}

func (l Link) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", l.ID.String()),
		slog.String("description", l.Description),
	)
}

// LinkEvent is a link state transition broadcast to every registered handler.
type LinkEvent uint8

const (
	LinkUp LinkEvent = iota + 1
	LinkDown
)

func (ev LinkEvent) String() string {
	switch ev {
	case LinkUp:
		return "up"
	case LinkDown:
		return "down"
	default:
		return "invalid"
	}
}
