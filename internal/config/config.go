// Package config reads the process configuration from the environment.
// Validation failures are fatal at startup; nothing re-reads the
// environment after Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the full set of recognized options.
type Config struct {
	SMTPPort         int
	SMTPStartTLSPort int
	SMTPSSLPort      int
	APIPort          int

	IMAPEnabled bool
	IMAPPort    int

	MCPEnabled bool
	MCPPort    int

	DatabaseURL string

	DomainName           string
	RejectNonDomainMails bool

	SMTPSSLEnabled  bool
	SMTPSSLCertPath string
	SMTPSSLKeyPath  string

	// EmailRetentionHours <= 0 disables the retention sweep.
	EmailRetentionHours int

	AuthEnabled bool
	AuthDomain  string
	AuthSecret  string

	LogLevel string
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, v)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return false, fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	return b, nil
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:     env("DATABASE_URL", "sqlite:emails.db"),
		DomainName:      strings.ToLower(env("DOMAIN_NAME", "tempmail.local")),
		SMTPSSLCertPath: os.Getenv("SMTP_SSL_CERT_PATH"),
		SMTPSSLKeyPath:  os.Getenv("SMTP_SSL_KEY_PATH"),
		AuthDomain:      strings.ToLower(os.Getenv("AUTH_DOMAIN")),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		LogLevel:        env("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.SMTPPort, err = envInt("SMTP_PORT", 2525); err != nil {
		return nil, err
	}
	if cfg.SMTPStartTLSPort, err = envInt("SMTP_STARTTLS_PORT", 587); err != nil {
		return nil, err
	}
	if cfg.SMTPSSLPort, err = envInt("SMTP_SSL_PORT", 465); err != nil {
		return nil, err
	}
	if cfg.APIPort, err = envInt("API_PORT", 3000); err != nil {
		return nil, err
	}
	if cfg.IMAPEnabled, err = envBool("IMAP_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.IMAPPort, err = envInt("IMAP_PORT", 143); err != nil {
		return nil, err
	}
	if cfg.MCPEnabled, err = envBool("MCP_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.MCPPort, err = envInt("MCP_PORT", 3001); err != nil {
		return nil, err
	}
	if cfg.RejectNonDomainMails, err = envBool("REJECT_NON_DOMAIN_EMAILS", false); err != nil {
		return nil, err
	}
	if cfg.SMTPSSLEnabled, err = envBool("SMTP_SSL_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.EmailRetentionHours, err = envInt("EMAIL_RETENTION_HOURS", 0); err != nil {
		return nil, err
	}
	if cfg.AuthEnabled, err = envBool("AUTH_ENABLED", false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. Any error here means the
// process must exit non-zero before opening a single listener.
func (c *Config) Validate() error {
	ports := map[string]int{
		"SMTP_PORT": c.SMTPPort,
		"API_PORT":  c.APIPort,
	}
	if c.SMTPSSLEnabled {
		ports["SMTP_STARTTLS_PORT"] = c.SMTPStartTLSPort
		ports["SMTP_SSL_PORT"] = c.SMTPSSLPort
	}
	if c.IMAPEnabled {
		ports["IMAP_PORT"] = c.IMAPPort
	}
	if c.MCPEnabled {
		ports["MCP_PORT"] = c.MCPPort
	}
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s: %d is out of range", name, port)
		}
	}

	if c.DomainName == "" {
		return fmt.Errorf("DOMAIN_NAME must not be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must not be empty")
	}

	if c.SMTPSSLEnabled {
		if c.SMTPSSLCertPath == "" || c.SMTPSSLKeyPath == "" {
			return fmt.Errorf("SMTP_SSL_ENABLED requires SMTP_SSL_CERT_PATH and SMTP_SSL_KEY_PATH")
		}
		for _, path := range []string{c.SMTPSSLCertPath, c.SMTPSSLKeyPath} {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("TLS material not readable: %w", err)
			}
		}
	}

	if c.AuthEnabled && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_ENABLED requires AUTH_SECRET")
	}

	if v := os.Getenv("EMAIL_RETENTION_HOURS"); v != "" && c.EmailRetentionHours < 1 {
		return fmt.Errorf("EMAIL_RETENTION_HOURS: %d is not a positive hour count", c.EmailRetentionHours)
	}
	return nil
}
