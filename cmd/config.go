// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/cruunnerr/ha-vds2465-server/internal/device"
)

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func (l *LogConfig) validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", l.Level)
	}
}

// ServerConfig configures the VdS 2465 TCP listener.
type ServerConfig struct {
	Bind            string        `mapstructure:"bind"`
	PollingInterval time.Duration `mapstructure:"polling_interval"`
	HTTPBind        string        `mapstructure:"http_bind"`
}

func (s *ServerConfig) validate() error {
	if s.Bind == "" {
		return errors.New("server.bind is required")
	}
	if s.PollingInterval <= 0 {
		return errors.New("server.polling_interval must be positive")
	}
	return nil
}

// VdsServerConfig is the top-level shape of the server's configuration
// file: logging, the TCP/HTTP bind addresses, and the device table.
type VdsServerConfig struct {
	Log     LogConfig       `mapstructure:"log"`
	Server  ServerConfig    `mapstructure:"server"`
	Devices []device.Config `mapstructure:"devices"`
}

func (c *VdsServerConfig) validate() error {
	if err := c.Log.validate(); err != nil {
		return err
	}
	if err := c.Server.validate(); err != nil {
		return err
	}
	if len(c.Devices) == 0 {
		return errors.New("at least one device must be configured")
	}
	if _, err := device.NewTable(c.Devices); err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	return nil
}
