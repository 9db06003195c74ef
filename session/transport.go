package session

import (
	"context"

	"wa-bulk-sender/types"
)

// Event is a notification from a Transport. The set is closed: a transport
// only ever emits PairingChallenge, StateChange and CredentialsUpdated.
type Event interface {
	isEvent()
}

// PairingChallenge carries a fresh pairing payload to show as a QR code.
type PairingChallenge struct {
	Payload string
}

// ConnState is the connection state reported by a StateChange.
type ConnState int

const (
	// ConnAuthenticated means the credential exchange succeeded.
	ConnAuthenticated ConnState = iota
	// ConnOpen means the session is fully usable.
	ConnOpen
	// ConnClosed means the connection went away; Cause says why.
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnAuthenticated:
		return "authenticated"
	case ConnOpen:
		return "open"
	default:
		return "closed"
	}
}

// StateChange reports a connection state transition.
type StateChange struct {
	State ConnState
	Cause string
	Err   error
}

// CredentialsUpdated asks the session to persist credential material. If
// Done is set, the session sends the persist result on it once the write is
// finished, so the transport can hold its own handler until then. Done
// must have room for one value.
type CredentialsUpdated struct {
	Done chan<- error
}

func (PairingChallenge) isEvent()   {}
func (StateChange) isEvent()        {}
func (CredentialsUpdated) isEvent() {}

// Transport is one live connection to the messaging network.
type Transport interface {
	// Connect starts the connection. Progress is reported through Events.
	Connect(ctx context.Context) error
	// Events delivers notifications in the order they happened. The channel
	// is never closed; consumers stop reading when they are done with the
	// transport.
	Events() <-chan Event
	// Send delivers a text message and returns the message id, if any.
	Send(ctx context.Context, recipient, text string) (string, error)
	// Profile returns the account the transport is logged in as.
	Profile(ctx context.Context) (*types.UserInfo, error)
	// Logout revokes the credentials on the server side.
	Logout(ctx context.Context) error
	// Close releases the connection. It must be safe to call more than once.
	Close() error

	CredentialSaver
}

// Factory builds a Transport bound to a tenant's credential material.
type Factory interface {
	NewTransport(ctx context.Context, creds *Credentials) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, creds *Credentials) (Transport, error)

func (f FactoryFunc) NewTransport(ctx context.Context, creds *Credentials) (Transport, error) {
	return f(ctx, creds)
}
