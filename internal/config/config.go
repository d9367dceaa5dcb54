package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/robfig/cron/v3"
)

// Config enumerates every recognized option. Values come from the
// environment and are validated once at startup; nothing downstream
// re-parses strings.
type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	// PortalAPIURL is the endpoint of the scraping gateway that exports
	// the portal's notification list as JSON.
	PortalAPIURL string `env:"PORTAL_API_URL,required=true"`

	// Recipients is a comma-separated list of primary channel addresses
	// (chat ids) that subscribe to every notification.
	Recipients string `env:"RECIPIENTS,required=true"`

	// SessionName keys the blob-store object holding the primary channel
	// session archive.
	SessionName string `env:"SESSION_NAME,default=casewatch-session"`
	SessionDir  string `env:"SESSION_DIR,default=/var/lib/casewatch/session"`

	ChannelEnabled  bool `env:"CHANNEL_ENABLED,default=true"`
	FallbackEnabled bool `env:"FALLBACK_ENABLED,default=true"`

	// ChannelBotToken authenticates the primary channel client.
	ChannelBotToken string `env:"CHANNEL_BOT_TOKEN"`

	// Fallback channel (stateless HTTP mail API).
	MailAPIURL   string `env:"MAIL_API_URL"`
	MailAPIKey   string `env:"MAIL_API_KEY"`
	MailFrom     string `env:"MAIL_FROM"`
	MailFallback string `env:"MAIL_FALLBACK_TO"`

	// CycleSchedule is a cron expression for delivery cycles.
	CycleSchedule string `env:"CYCLE_SCHEDULE,default=*/15 * * * *"`

	// DeliverStatuses selects which record statuses are delivery
	// candidates: "all" or "open".
	DeliverStatuses string `env:"DELIVER_STATUSES,default=all"`

	SendCourtesyMessage bool `env:"SEND_COURTESY_MESSAGE,default=false"`
	MaxItemsPerMessage  int  `env:"MAX_ITEMS_PER_MESSAGE,default=10"`

	ReadyWaitSeconds     int `env:"READY_WAIT_SECONDS,default=90"`
	AckWaitSeconds       int `env:"ACK_WAIT_SECONDS,default=20"`
	ChannelInitSeconds   int `env:"CHANNEL_INIT_SECONDS,default=120"`
	VerifyIntervalSecond int `env:"VERIFY_INTERVAL_SECONDS,default=30"`

	RateLimitPerSec int    `env:"RATE_LIMIT_PER_SEC,default=1"`
	APIPort         int    `env:"API_PORT,default=8080"`
	LogLevel        string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.RecipientList()) == 0 {
		return fmt.Errorf("RECIPIENTS must contain at least one address")
	}
	if _, err := cron.ParseStandard(c.CycleSchedule); err != nil {
		return fmt.Errorf("invalid CYCLE_SCHEDULE %q: %w", c.CycleSchedule, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.DeliverStatuses)) {
	case "all", "open":
	default:
		return fmt.Errorf("DELIVER_STATUSES must be \"all\" or \"open\", got %q", c.DeliverStatuses)
	}
	if c.ChannelEnabled && strings.TrimSpace(c.ChannelBotToken) == "" {
		return fmt.Errorf("CHANNEL_BOT_TOKEN is required when CHANNEL_ENABLED=true")
	}
	if c.FallbackEnabled {
		if strings.TrimSpace(c.MailAPIURL) == "" {
			return fmt.Errorf("MAIL_API_URL is required when FALLBACK_ENABLED=true")
		}
		if strings.TrimSpace(c.MailFrom) == "" {
			return fmt.Errorf("MAIL_FROM is required when FALLBACK_ENABLED=true")
		}
		if strings.TrimSpace(c.MailFallback) == "" {
			return fmt.Errorf("MAIL_FALLBACK_TO is required when FALLBACK_ENABLED=true")
		}
	}
	if c.MaxItemsPerMessage < 1 {
		return fmt.Errorf("MAX_ITEMS_PER_MESSAGE must be at least 1, got %d", c.MaxItemsPerMessage)
	}
	return nil
}

// RecipientList splits and trims the configured recipient addresses.
func (c *Config) RecipientList() []string {
	parts := strings.Split(c.Recipients, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// DeliverOpenOnly reports whether closed notifications are excluded from
// delivery.
func (c *Config) DeliverOpenOnly() bool {
	return strings.EqualFold(strings.TrimSpace(c.DeliverStatuses), "open")
}

func (c *Config) ReadyWait() time.Duration {
	return time.Duration(c.ReadyWaitSeconds) * time.Second
}

func (c *Config) AckWait() time.Duration {
	return time.Duration(c.AckWaitSeconds) * time.Second
}

func (c *Config) ChannelInitTimeout() time.Duration {
	return time.Duration(c.ChannelInitSeconds) * time.Second
}

func (c *Config) VerifyInterval() time.Duration {
	return time.Duration(c.VerifyIntervalSecond) * time.Second
}
