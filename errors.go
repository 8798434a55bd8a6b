package lattice

import (
	"errors"
)

var (
	ErrInvalidCfg = errors.New("mesh: invalid options")
	ErrMeshClosed = errors.New("mesh: shutting down")

	// ErrLinkGone is returned when a Link's transport has already been torn
	// down. Callers typically treat it as a no-op skip.
	ErrLinkGone = errors.New("link: transport is gone")

	ErrDuplicateCorrelation = errors.New("tracking: correlation id is already pending")
	ErrNilCorrelation       = errors.New("tracking: correlation id must not be nil")

	// ErrRequestTimeout is delivered through a tracked request's callback
	// when its deadline elapses with no response, never as a return value.
	ErrRequestTimeout = errors.New("tracking: request deadline elapsed")

	ErrServiceRegistered = errors.New("dispatch: service already has a handler")
	ErrServiceReserved   = errors.New("dispatch: service type is reserved for the core protocol")

	ErrProtocolViolation = errors.New("session: peer broke the link protocol")
	ErrHandshakeTimeout  = errors.New("session: peer did not complete the handshake in time")
)
