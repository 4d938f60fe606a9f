package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Identity.Token == "" && c.Identity.TokenFile == "" && c.Identity.UserID == "" {
		return errors.New("identity.token or identity.user_id is required")
	}

	if err := validateURL("api.rest_url", c.API.RestURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("api.ws_url", c.API.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if c.Connection.MaxAttempts < 1 {
		return errors.New("connection.max_attempts must be >= 1")
	}
	if c.Connection.ReconnectBaseDelay <= 0 {
		return errors.New("connection.reconnect_base_delay must be > 0")
	}
	if c.Connection.ReconnectMaxDelay < c.Connection.ReconnectBaseDelay {
		return fmt.Errorf("connection.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)",
			c.Connection.ReconnectMaxDelay, c.Connection.ReconnectBaseDelay)
	}
	if c.Connection.AckTimeout <= 0 {
		return errors.New("connection.ack_timeout must be > 0")
	}
	if c.Connection.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}
	if c.Connection.QueueSize < 1 {
		return errors.New("connection.queue_size must be >= 1")
	}

	if c.Mutations.DedupeWindow <= 0 {
		return errors.New("mutations.dedupe_window must be > 0")
	}

	if c.Refresh.Concurrency < 1 {
		return errors.New("refresh.concurrency must be >= 1")
	}
	if c.Refresh.PageSize < 1 {
		return errors.New("refresh.page_size must be >= 1")
	}
	if c.Refresh.Interval < 0 {
		return errors.New("refresh.interval must be >= 0")
	}

	if port := c.Debug.ListenPort(); port < 0 || port > 65535 {
		return fmt.Errorf("debug.port must be between 0 and 65535, got %d", port)
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", field, schemes, u.Scheme)
}
