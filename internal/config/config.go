package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"3000"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	BridgeWebhookURL      string   `env:"BRIDGE_WEBHOOK_URL"`
	BridgeSignatureSecret string   `env:"BRIDGE_SIGNATURE_SECRET"`
	TelegramBotToken      string   `env:"TELEGRAM_BOT_TOKEN"`
	AdminIDs              []string `env:"ADMIN_IDS" envSeparator:","`
	AdminTokenHash        string   `env:"ADMIN_TOKEN_HASH"`
	SupportContact        string   `env:"SUPPORT_CONTACT" envDefault:"@Nova_king0"`

	AuthRoot      string `env:"AUTH_ROOT" envDefault:"./sessions"`
	ScratchRoot   string `env:"SCRATCH_ROOT" envDefault:"./sessions/.pairing"`
	CommandsDir   string `env:"COMMANDS_DIR" envDefault:"./commands"`
	LogsDir       string `env:"LOGS_DIR" envDefault:"./logs"`
	CommandPrefix string `env:"COMMAND_PREFIX" envDefault:"."`

	TrialHours            int `env:"TRIAL_HOURS" envDefault:"24"`
	ReconnectDelaySeconds int `env:"RECONNECT_DELAY_SECONDS" envDefault:"5"`
	QRTimeoutSeconds      int `env:"QR_TIMEOUT_SECONDS" envDefault:"120"`
	PairingTimeoutSeconds int `env:"PAIRING_TIMEOUT_SECONDS" envDefault:"300"`
	PairingSettleMillis   int `env:"PAIRING_SETTLE_MILLIS" envDefault:"3000"`
	IdleTimeoutMinutes    int `env:"IDLE_TIMEOUT_MINUTES" envDefault:"30"`

	MemoryWarningRatio     float64 `env:"MEMORY_WARNING_RATIO" envDefault:"0.8"`
	MemoryCriticalRatio    float64 `env:"MEMORY_CRITICAL_RATIO" envDefault:"0.9"`
	CPUAdmitLimit          float64 `env:"CPU_ADMIT_LIMIT" envDefault:"0.8"`
	MaxMemoryMB            int     `env:"MAX_MEMORY_MB" envDefault:"0"`
	ResourceSampleSeconds  int     `env:"RESOURCE_SAMPLE_SECONDS" envDefault:"30"`
	ResourceHistorySize    int     `env:"RESOURCE_HISTORY_SIZE" envDefault:"60"`
	SessionCreatePerMinute int     `env:"SESSION_CREATE_PER_MINUTE" envDefault:"30"`

	UpdateRepoURL    string `env:"UPDATE_REPO_URL"`
	UpdateBranch     string `env:"UPDATE_BRANCH" envDefault:"main"`
	UpdateWorkDir    string `env:"UPDATE_WORK_DIR" envDefault:"."`
	UpdateStagingDir string `env:"UPDATE_STAGING_DIR" envDefault:"./.update-staging"`
	UpdateInstallCmd string `env:"UPDATE_INSTALL_CMD"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) TrialWindow() time.Duration {
	return time.Duration(c.TrialHours) * time.Hour
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

func (c *Config) QRTimeout() time.Duration {
	return time.Duration(c.QRTimeoutSeconds) * time.Second
}

func (c *Config) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutSeconds) * time.Second
}

func (c *Config) PairingSettleDelay() time.Duration {
	return time.Duration(c.PairingSettleMillis) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

func (c *Config) ResourceSampleInterval() time.Duration {
	return time.Duration(c.ResourceSampleSeconds) * time.Second
}

// MaxMemoryBytes returns the configured process memory budget, or 0 when the
// host's total memory should be used instead.
func (c *Config) MaxMemoryBytes() uint64 {
	if c.MaxMemoryMB <= 0 {
		return 0
	}
	return uint64(c.MaxMemoryMB) * 1024 * 1024
}

func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminIDs {
		if strings.TrimSpace(id) == userID {
			return true
		}
	}
	return false
}

func (c *Config) Validate(isProduction bool) error {
	if c.AdminTokenHash != "" {
		if !strings.HasPrefix(c.AdminTokenHash, "$2a$") &&
			!strings.HasPrefix(c.AdminTokenHash, "$2b$") &&
			!strings.HasPrefix(c.AdminTokenHash, "$2y$") {
			return fmt.Errorf("ADMIN_TOKEN_HASH must be a bcrypt hash (generate with: go run scripts/hash-token.go <token>)")
		}
	}

	if c.MemoryWarningRatio <= 0 || c.MemoryWarningRatio >= c.MemoryCriticalRatio || c.MemoryCriticalRatio > 1 {
		return fmt.Errorf("memory thresholds must satisfy 0 < MEMORY_WARNING_RATIO < MEMORY_CRITICAL_RATIO <= 1")
	}

	if c.CommandPrefix == "" {
		return fmt.Errorf("COMMAND_PREFIX must not be empty")
	}

	if isProduction {
		if c.BridgeSignatureSecret != "" {
			if err := validateSecret("BRIDGE_SIGNATURE_SECRET", c.BridgeSignatureSecret); err != nil {
				return err
			}
		} else {
			log.Warn().Msg("BRIDGE_SIGNATURE_SECRET is empty in production: bridge callback signature verification disabled")
		}
		if c.AdminTokenHash == "" {
			log.Warn().Msg("ADMIN_TOKEN_HASH is empty in production: admin endpoints are disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
