// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the callbridge
// host daemon.
//
// Configuration is loaded from a single YAML file specified by the
// CALLBRIDGE_CONFIG environment variable or the --config flag. There
// are no fallbacks or automatic discovery — a missing file is an
// error, so a deployment's configuration is always auditable.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the callbridge daemon.
type Config struct {
	// Matrix configures the homeserver connection.
	Matrix MatrixConfig `yaml:"matrix"`

	// Widget configures the embedded call application.
	Widget WidgetConfig `yaml:"widget"`

	// Listen is the HTTP listen address for the frame endpoints
	// (e.g., "127.0.0.1:8448").
	Listen string `yaml:"listen"`
}

// MatrixConfig configures the homeserver connection.
type MatrixConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver.
	HomeserverURL string `yaml:"homeserver_url"`

	// AccessToken authenticates the bridge's Matrix session. The
	// token's user becomes the widget's owning user.
	AccessToken string `yaml:"access_token"`

	// DeviceID is the session's device ID. Optional: when empty, the
	// bridge asks the homeserver via /whoami, and device-scoped
	// capabilities are omitted if the server reports none.
	DeviceID string `yaml:"device_id"`
}

// WidgetConfig configures the embedded call application.
type WidgetConfig struct {
	// BaseURL is the call application's address (e.g.,
	// "https://call.example.org"). Query parameters from the embed
	// template are appended to it.
	BaseURL string `yaml:"base_url"`

	// SkipLobby skips the call application's pre-join lobby screen.
	SkipLobby bool `yaml:"skip_lobby"`

	// ReturnToLobby returns to the lobby instead of closing when a
	// call ends.
	ReturnToLobby bool `yaml:"return_to_lobby"`

	// PerParticipantE2EE enables the widget's per-participant media
	// encryption flag. The bridge only passes the flag through — key
	// exchange is entirely the widget's concern.
	PerParticipantE2EE bool `yaml:"per_participant_e2ee"`

	// SendTimeout bounds how long a host-to-widget request waits for
	// a reply before failing (e.g., "10s"). Empty uses the default.
	SendTimeout string `yaml:"send_timeout"`
}

// Default returns the base configuration merged under the loaded file.
// The file is still required — these exist so optional fields have
// sensible values, not as a standalone configuration.
func Default() *Config {
	return &Config{
		Listen: "127.0.0.1:8448",
		Widget: WidgetConfig{
			SkipLobby:   false,
			SendTimeout: "10s",
		},
	}
}

// Load loads configuration from the CALLBRIDGE_CONFIG environment
// variable. Fails when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv("CALLBRIDGE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CALLBRIDGE_CONFIG environment variable not set; " +
			"set it to the path of your callbridge.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. The file is
// the single source of truth; environment variables do not override
// its values.
func LoadFile(path string) (*Config, error) {
	configuration := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, configuration); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return configuration, nil
}

// Validate checks the configuration for errors, reporting all of them
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Matrix.HomeserverURL == "" {
		errs = append(errs, fmt.Errorf("matrix.homeserver_url is required"))
	} else if _, err := url.Parse(c.Matrix.HomeserverURL); err != nil {
		errs = append(errs, fmt.Errorf("matrix.homeserver_url is not a valid URL: %w", err))
	}

	if c.Matrix.AccessToken == "" {
		errs = append(errs, fmt.Errorf("matrix.access_token is required"))
	}

	if c.Widget.BaseURL == "" {
		errs = append(errs, fmt.Errorf("widget.base_url is required"))
	} else if _, err := url.Parse(c.Widget.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("widget.base_url is not a valid URL: %w", err))
	}

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}

	if c.Widget.SendTimeout != "" {
		if _, err := time.ParseDuration(c.Widget.SendTimeout); err != nil {
			errs = append(errs, fmt.Errorf("widget.send_timeout: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SendTimeout returns the parsed widget send timeout. Call Validate
// first; an unparseable value falls back to the default here.
func (c *Config) SendTimeout() time.Duration {
	parsed, err := time.ParseDuration(c.Widget.SendTimeout)
	if err != nil || parsed <= 0 {
		return 10 * time.Second
	}
	return parsed
}
