// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import "fmt"

// Validate checks that the resolved configuration is internally
// consistent before the orchestrator builds the graph.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	return c.validateFunctions()
}

func (c *Config) validateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.PortBase <= 0 || c.Server.PortBase > 65535 {
		return fmt.Errorf("server.port_base must be between 1 and 65535, got %d", c.Server.PortBase)
	}
	if c.Server.Persist && c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required when server.persist is true")
	}
	if c.Server.EventualConsistencyDelayMs < 0 {
		return fmt.Errorf("server.eventual_consistency_delay_ms must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("logging.level %q is not recognized", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.DefaultMaxReceiveCount < 1 {
		return fmt.Errorf("queue.default_max_receive_count must be >= 1")
	}
	if c.Queue.DefaultVisibilityTimeout <= 0 {
		return fmt.Errorf("queue.default_visibility_timeout must be positive")
	}
	return nil
}

func (c *Config) validateFunctions() error {
	if c.Functions.DefaultTimeout <= 0 {
		return fmt.Errorf("functions.default_timeout must be positive")
	}
	if c.Functions.BreakerMaxFails == 0 {
		return fmt.Errorf("functions.breaker_max_fails must be >= 1")
	}
	return nil
}
