package session

import "sync"

// Cause codes every transport is expected to use for the common cases.
// Transports may report their own codes on top of these; see Classifier.
const (
	CauseLoggedOut       = "logged-out"
	CauseRestartRequired = "restart-required"
	CauseConnectFailed   = "connect-failed"
	CausePairingTimeout  = "pairing-timeout"
	CauseConnectionLost  = "connection-lost"
)

// DisconnectKind is how the state machine reacts to a closed connection.
type DisconnectKind int

const (
	// TransientDisconnect is retried with backoff up to the retry limit.
	TransientDisconnect DisconnectKind = iota
	// RestartRequired is retried immediately and not counted.
	RestartRequired
	// LoggedOutRemotely is terminal: credentials are purged and nothing is retried.
	LoggedOutRemotely
)

func (k DisconnectKind) String() string {
	switch k {
	case RestartRequired:
		return "restart_required"
	case LoggedOutRemotely:
		return "logged_out"
	default:
		return "transient"
	}
}

// Classifier maps transport cause codes to a DisconnectKind. Unknown codes
// are transient.
type Classifier struct {
	mu    sync.RWMutex
	kinds map[string]DisconnectKind
}

func NewClassifier(restart, loggedOut []string) *Classifier {
	c := &Classifier{kinds: make(map[string]DisconnectKind)}
	for _, cause := range restart {
		c.kinds[cause] = RestartRequired
	}
	for _, cause := range loggedOut {
		c.kinds[cause] = LoggedOutRemotely
	}
	return c
}

// Register adds or overrides the kind for a cause code.
func (c *Classifier) Register(cause string, kind DisconnectKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds[cause] = kind
}

func (c *Classifier) Classify(cause string) DisconnectKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if kind, ok := c.kinds[cause]; ok {
		return kind
	}
	return TransientDisconnect
}
