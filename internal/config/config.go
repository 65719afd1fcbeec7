// Package config loads and validates the warelay configuration file.
// Unknown keys are rejected so typos surface at startup instead of being
// silently ignored; an empty config is valid and means "do nothing".
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warelaydev/warelay/internal/directive"
	"github.com/warelaydev/warelay/internal/session"
)

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Inbound  InboundConfig  `yaml:"inbound"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Listen is the optional address of the Prometheus /metrics
	// endpoint; empty disables it.
	Listen string `yaml:"listen"`
}

// WhatsAppConfig configures the personal WhatsApp Web provider.
type WhatsAppConfig struct {
	Enabled     bool            `yaml:"enabled"`
	SessionPath string          `yaml:"sessionPath"`
	QRPath      string          `yaml:"qrPath"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	InitialMs   float64 `yaml:"initialMs"`
	MaxMs       float64 `yaml:"maxMs"`
	Factor      float64 `yaml:"factor"`
	Jitter      float64 `yaml:"jitter"`
	MaxAttempts int     `yaml:"maxAttempts"`
}

// InboundConfig shapes how inbound messages are admitted and answered.
type InboundConfig struct {
	// AllowFrom lists admitted senders; a single "*" admits everyone.
	AllowFrom []string `yaml:"allowFrom"`

	MessagePrefix   string          `yaml:"messagePrefix"`
	ResponsePrefix  string          `yaml:"responsePrefix"`
	TimestampPrefix TimestampPrefix `yaml:"timestampPrefix"`

	// SameNumberEcho selects the echo-suppression predicate when relay
	// and user share a number: compare the raw body, the stripped body,
	// or the prefixed body.
	SameNumberEcho string `yaml:"sameNumberEcho"`

	TranscribeAudio TranscribeConfig `yaml:"transcribeAudio"`
	Reply           ReplyConfig      `yaml:"reply"`
}

// TranscribeConfig is the opaque speech-to-text CLI invoked for audio
// messages. The argv is templated; {{MediaPath}} names the audio file.
type TranscribeConfig struct {
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
}

// ReplyConfig controls reply generation.
type ReplyConfig struct {
	// Mode is "text" for a canned templated reply or "command" to run
	// an agent CLI.
	Mode string `yaml:"mode"`

	Text             string   `yaml:"text"`
	Command          []string `yaml:"command"`
	HeartbeatCommand []string `yaml:"heartbeatCommand"`

	ThinkingDefault directive.ThinkLevel   `yaml:"thinkingDefault"`
	VerboseDefault  directive.VerboseLevel `yaml:"verboseDefault"`

	Cwd            string `yaml:"cwd"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	Template       string `yaml:"template"`
	BodyPrefix     string `yaml:"bodyPrefix"`

	MediaURL   string  `yaml:"mediaUrl"`
	MediaMaxMb float64 `yaml:"mediaMaxMb"`

	TypingIntervalSeconds int `yaml:"typingIntervalSeconds"`
	HeartbeatMinutes      int `yaml:"heartbeatMinutes"`

	Agent   AgentConfig   `yaml:"agent"`
	Session SessionConfig `yaml:"session"`
}

type AgentConfig struct {
	Kind           string `yaml:"kind"`
	Format         string `yaml:"format"`
	IdentityPrefix string `yaml:"identityPrefix"`
}

type SessionConfig struct {
	// Scope is "per-sender" (default) or "global".
	Scope                string   `yaml:"scope"`
	ResetTriggers        []string `yaml:"resetTriggers"`
	IdleMinutes          int      `yaml:"idleMinutes"`
	HeartbeatIdleMinutes int      `yaml:"heartbeatIdleMinutes"`
	Store                string   `yaml:"store"`
	SessionArgBeforeBody *bool    `yaml:"sessionArgBeforeBody"`
	SendSystemOnce       bool     `yaml:"sendSystemOnce"`
	SessionIntro         string   `yaml:"sessionIntro"`
}

// TimestampPrefix accepts either a bool (true = UTC) or an IANA zone name.
type TimestampPrefix struct {
	Enabled bool
	Zone    string
}

// UnmarshalYAML decodes true/false or a zone string.
func (t *TimestampPrefix) UnmarshalYAML(node *yaml.Node) error {
	var asBool bool
	if err := node.Decode(&asBool); err == nil {
		t.Enabled = asBool
		return nil
	}
	var asString string
	if err := node.Decode(&asString); err != nil {
		return fmt.Errorf("timestampPrefix must be a bool or an IANA zone name")
	}
	t.Enabled = asString != ""
	t.Zone = asString
	return nil
}

// Location resolves the configured zone, defaulting to UTC.
func (t TimestampPrefix) Location() (*time.Location, error) {
	if t.Zone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(t.Zone)
}

// Load reads, expands, and strictly decodes the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes after environment expansion.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			cfg = Config{}
		} else {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.WhatsApp.SessionPath == "" {
		cfg.WhatsApp.SessionPath = "~/.warelay/whatsapp.db"
	}
	if cfg.Inbound.SameNumberEcho == "" {
		cfg.Inbound.SameNumberEcho = "raw"
	}
	if cfg.Inbound.TranscribeAudio.TimeoutSeconds == 0 {
		cfg.Inbound.TranscribeAudio.TimeoutSeconds = 60
	}

	reply := &cfg.Inbound.Reply
	if reply.TimeoutSeconds == 0 {
		reply.TimeoutSeconds = 600
	}
	if reply.Session.Scope == "" {
		reply.Session.Scope = session.ScopePerSender
	}
	if reply.Session.IdleMinutes == 0 {
		reply.Session.IdleMinutes = 60
	}
	if reply.Session.Store == "" {
		reply.Session.Store = "~/.warelay/sessions.json"
	}
	if reply.Session.SessionArgBeforeBody == nil {
		before := true
		reply.Session.SessionArgBeforeBody = &before
	}
}

// Validate rejects configurations the core cannot act on coherently.
func (c *Config) Validate() error {
	switch c.Inbound.Reply.Mode {
	case "", "text", "command":
	default:
		return fmt.Errorf("invalid reply mode %q (want text or command)", c.Inbound.Reply.Mode)
	}
	if c.Inbound.Reply.Mode == "text" && c.Inbound.Reply.Text == "" {
		return fmt.Errorf("reply.mode=text requires reply.text")
	}
	if c.Inbound.Reply.Mode == "command" && len(c.Inbound.Reply.Command) == 0 {
		return fmt.Errorf("reply.mode=command requires reply.command")
	}
	switch c.Inbound.Reply.Session.Scope {
	case session.ScopePerSender, session.ScopeGlobal:
	default:
		return fmt.Errorf("invalid session scope %q", c.Inbound.Reply.Session.Scope)
	}
	switch c.Inbound.SameNumberEcho {
	case "raw", "stripped", "prefixed":
	default:
		return fmt.Errorf("invalid sameNumberEcho %q (want raw, stripped, or prefixed)", c.Inbound.SameNumberEcho)
	}
	if !directive.ValidThink(c.Inbound.Reply.ThinkingDefault) && c.Inbound.Reply.ThinkingDefault != "" {
		return fmt.Errorf("invalid thinkingDefault %q", c.Inbound.Reply.ThinkingDefault)
	}
	if _, err := c.Inbound.TimestampPrefix.Location(); err != nil {
		return fmt.Errorf("invalid timestampPrefix zone: %w", err)
	}
	return nil
}

// AllowsAll reports whether the admission list is the wildcard.
func (c *InboundConfig) AllowsAll() bool {
	return len(c.AllowFrom) == 1 && c.AllowFrom[0] == "*"
}

// Allows reports whether sender passes the admission list.
func (c *InboundConfig) Allows(sender string) bool {
	if c.AllowsAll() {
		return true
	}
	for _, entry := range c.AllowFrom {
		if entry == sender {
			return true
		}
	}
	return false
}

// SessionArgBeforeBody resolves the pointer field with its default of true.
func (s *SessionConfig) ArgBeforeBody() bool {
	if s.SessionArgBeforeBody == nil {
		return true
	}
	return *s.SessionArgBeforeBody
}

// IdleWindow returns the session idle expiry as a duration.
func (s *SessionConfig) IdleWindow() time.Duration {
	return time.Duration(s.IdleMinutes) * time.Minute
}

// HeartbeatIdleWindow returns the heartbeat eligibility window, falling back
// to the session idle window when unset.
func (s *SessionConfig) HeartbeatIdleWindow() time.Duration {
	if s.HeartbeatIdleMinutes > 0 {
		return time.Duration(s.HeartbeatIdleMinutes) * time.Minute
	}
	return s.IdleWindow()
}
