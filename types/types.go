package types

// Status is the connection state of a tenant session
type Status string

const (
	// StatusDisconnected is the initial and terminal state
	StatusDisconnected Status = "disconnected"
	// StatusConnecting means a transport is being started or a reconnect is pending
	StatusConnecting Status = "connecting"
	// StatusQRReady means a pairing challenge is waiting to be scanned
	StatusQRReady Status = "qr_ready"
	// StatusAuthenticated means credentials were exchanged but the session is not usable yet
	StatusAuthenticated Status = "authenticated"
	// StatusReady means messages can be sent
	StatusReady Status = "ready"
)

// StatusInfo is what callers see when polling a session
type StatusInfo struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PairingInfo holds the current pairing challenge. Both fields are nil
// unless the session is in StatusQRReady.
type PairingInfo struct {
	Payload *string `json:"qrCode"`
	Image   *string `json:"qrDataUrl"`
}

// InitResult reports whether an initialize call started a new transport.
type InitResult struct {
	Accepted bool   `json:"accepted"`
	Status   Status `json:"status"`
}

// SendResult is the per-recipient outcome of a send.
type SendResult struct {
	Phone     string `json:"phone"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// UserInfo describes the account a ready session is logged in as
type UserInfo struct {
	Phone         *string `json:"phone"`
	Name          *string `json:"name"`
	ProfilePicURL *string `json:"profilePicUrl"`
}
