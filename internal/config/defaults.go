package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL            = "http://localhost:5000"
	DefaultWSURL              = "ws://localhost:5000/ws"
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBackoff       = 500 * time.Millisecond
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 5 * time.Second
	DefaultMaxAttempts        = 5
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultAckTimeout         = 10 * time.Second
	DefaultBufferSize         = 1024
	DefaultQueueSize          = 256
	DefaultConfirmTimeout     = 10 * time.Second
	DefaultDedupeWindow       = 2 * time.Minute
	DefaultTypingTTL          = 5 * time.Second
	DefaultRefreshConcurrency = 4
	DefaultRefreshTimeout     = 15 * time.Second
	DefaultPageSize           = 30
	DefaultDebugPort          = 8080
)

func (c *Config) applyDefaults() {
	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}

	// Connection defaults
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.MaxAttempts == 0 {
		c.Connection.MaxAttempts = DefaultMaxAttempts
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.AckTimeout == 0 {
		c.Connection.AckTimeout = DefaultAckTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultBufferSize
	}
	if c.Connection.QueueSize == 0 {
		c.Connection.QueueSize = DefaultQueueSize
	}

	// Mutation defaults
	if c.Mutations.ConfirmTimeout == 0 {
		c.Mutations.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.Mutations.DedupeWindow == 0 {
		c.Mutations.DedupeWindow = DefaultDedupeWindow
	}
	if c.Mutations.TypingTTL == 0 {
		c.Mutations.TypingTTL = DefaultTypingTTL
	}

	// Refresh defaults
	if c.Refresh.Concurrency == 0 {
		c.Refresh.Concurrency = DefaultRefreshConcurrency
	}
	if c.Refresh.Timeout == 0 {
		c.Refresh.Timeout = DefaultRefreshTimeout
	}
	if c.Refresh.PageSize == 0 {
		c.Refresh.PageSize = DefaultPageSize
	}

	// Debug defaults
	if c.Debug.Port == nil {
		port := DefaultDebugPort
		c.Debug.Port = &port
	}
}
