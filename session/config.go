package session

import "time"

const (
	DefaultConnectTimeout  = 60 * time.Second
	DefaultSendTimeout     = 30 * time.Second
	DefaultTeardownTimeout = 10 * time.Second
	DefaultPersistTimeout  = 10 * time.Second
	DefaultIdleTimeout     = 24 * time.Hour
	DefaultReapInterval    = time.Hour
	DefaultMaxRetries      = 3
	DefaultRetryStep       = 2 * time.Second
	DefaultRetryMaxDelay   = 10 * time.Second
	DefaultProfileTTL      = 5 * time.Minute
)

// Config holds the timing and retry policy shared by every session.
type Config struct {
	ConnectTimeout  time.Duration
	SendTimeout     time.Duration
	TeardownTimeout time.Duration
	PersistTimeout  time.Duration
	IdleTimeout     time.Duration
	ReapInterval    time.Duration
	ProfileTTL      time.Duration

	MaxRetries    int
	RetryStep     time.Duration
	RetryMaxDelay time.Duration

	// Cause codes that map to RestartRequired and LoggedOutRemotely.
	// Anything else reported by a transport is a TransientDisconnect.
	RestartCauses   []string
	LoggedOutCauses []string

	PairingImageSize int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   DefaultConnectTimeout,
		SendTimeout:      DefaultSendTimeout,
		TeardownTimeout:  DefaultTeardownTimeout,
		PersistTimeout:   DefaultPersistTimeout,
		IdleTimeout:      DefaultIdleTimeout,
		ReapInterval:     DefaultReapInterval,
		ProfileTTL:       DefaultProfileTTL,
		MaxRetries:       DefaultMaxRetries,
		RetryStep:        DefaultRetryStep,
		RetryMaxDelay:    DefaultRetryMaxDelay,
		RestartCauses:    []string{CauseRestartRequired},
		LoggedOutCauses:  []string{CauseLoggedOut},
		PairingImageSize: 256,
	}
}

// withDefaults fills zero values so a partially populated Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.ProfileTTL <= 0 {
		c.ProfileTTL = d.ProfileTTL
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryStep <= 0 {
		c.RetryStep = d.RetryStep
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.RestartCauses == nil {
		c.RestartCauses = d.RestartCauses
	}
	if c.LoggedOutCauses == nil {
		c.LoggedOutCauses = d.LoggedOutCauses
	}
	if c.PairingImageSize <= 0 {
		c.PairingImageSize = d.PairingImageSize
	}
	return c
}
