package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// NATSConfig holds the NATS settings for remote collectors and the audit sink
type NATSConfig struct {
	// Ingest from NATS subjects instead of (or besides) local files
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Connection
	URL           string        `yaml:"url" mapstructure:"url"`
	Name          string        `yaml:"name" mapstructure:"name"`
	MaxReconnects int           `yaml:"max_reconnects" mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" mapstructure:"reconnect_wait"`

	// Subjects
	Tier1Subject string `yaml:"tier1_subject" mapstructure:"tier1_subject"`
	Tier2Subject string `yaml:"tier2_subject" mapstructure:"tier2_subject"`
	QueueGroup   string `yaml:"queue_group" mapstructure:"queue_group"`

	// Audit sink republishes every normalized event
	AuditEnabled bool   `yaml:"audit_enabled" mapstructure:"audit_enabled"`
	AuditSubject string `yaml:"audit_subject" mapstructure:"audit_subject"`
}

// DefaultNATSConfig returns defaults for a local NATS server. Both ingest and
// audit are off until enabled.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "whitecat",
		MaxReconnects: 10,
		ReconnectWait: time.Second,
		Tier1Subject:  "whitecat.raw.tier1",
		Tier2Subject:  "whitecat.raw.tier2",
		QueueGroup:    "whitecat",
		AuditSubject:  "whitecat.audit.events",
	}
}

// Validate checks if the configuration is valid
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("NATS URL cannot be empty")
	}
	for _, server := range strings.Split(c.URL, ",") {
		if err := validServerURL(strings.TrimSpace(server)); err != nil {
			return err
		}
	}
	if c.Enabled && (c.Tier1Subject == "" || c.Tier2Subject == "") {
		return fmt.Errorf("tier subjects cannot be empty")
	}
	if c.AuditEnabled && c.AuditSubject == "" {
		return fmt.Errorf("audit subject cannot be empty")
	}
	if c.ReconnectWait < 0 {
		return fmt.Errorf("reconnect wait must not be negative")
	}
	return nil
}

// validServerURL accepts the schemes nats.Connect dials
func validServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid NATS URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "nats", "tls", "ws", "wss":
	default:
		return fmt.Errorf("invalid NATS URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid NATS URL %q: missing host", raw)
	}
	return nil
}
