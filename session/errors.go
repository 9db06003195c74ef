package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTenant is returned for tenant ids that cannot be used as a
	// credential directory name.
	ErrInvalidTenant = errors.New("invalid tenant id")
	// ErrInitialization wraps failures that happen before a transport exists.
	ErrInitialization = errors.New("initialization failed")
	// ErrNotReady is reported when a send is attempted on a session that is
	// not in the ready state.
	ErrNotReady = errors.New("WhatsApp is not connected, scan the QR code to log in first")
	// ErrSendTimeout is reported when the transport did not acknowledge a send in time.
	ErrSendTimeout = errors.New("send timed out")
	// ErrRecipientNotRegistered is reported when the recipient has no WhatsApp account.
	ErrRecipientNotRegistered = errors.New("this number is not registered on WhatsApp")
	// ErrTeardownTimeout is logged when a transport did not close in time.
	ErrTeardownTimeout = errors.New("transport teardown timed out")
	// ErrClosed is returned by operations on a registry that was shut down,
	// and acknowledges credential updates from transports that were superseded.
	ErrClosed = errors.New("session manager closed")

	errEvicted = fmt.Errorf("%w: session was evicted", ErrClosed)
)
