package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *BridgeConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.JWTSecret == "" {
		return errors.New("http.jwt_secret is required")
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	if c.Connections.FailureLimit < 1 {
		return errors.New("connections.failure_limit must be >= 1")
	}
	if c.Connections.ReconnectMaxTries < 1 {
		return errors.New("connections.reconnect_max_tries must be >= 1")
	}
	if c.Connections.ReconnectBaseDelay > c.Connections.ReconnectMaxDelay {
		return fmt.Errorf("connections.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Connections.ReconnectBaseDelay, c.Connections.ReconnectMaxDelay)
	}

	if c.Hub.HeartbeatInterval >= c.Hub.LivenessWindow {
		return fmt.Errorf("hub.heartbeat_interval (%s) must be shorter than hub.liveness_window (%s)",
			c.Hub.HeartbeatInterval, c.Hub.LivenessWindow)
	}

	if c.Jobs.Workers < 1 {
		return errors.New("jobs.workers must be >= 1")
	}
	if c.Jobs.MaxAttempts < 1 {
		return errors.New("jobs.max_attempts must be >= 1")
	}

	switch c.State.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("state.backend must be \"postgres\" or \"memory\", got %q", c.State.Backend)
	}

	if c.RateLimit.CommandLimit < 1 {
		return errors.New("rate_limit.command_limit must be >= 1")
	}
	if c.RateLimit.ConnectLimit < 1 {
		return errors.New("rate_limit.connect_limit must be >= 1")
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
