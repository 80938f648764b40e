package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Maintenance schedules (robfig/cron descriptors)
const (
	ActivitySweepSchedule = "@every 5m"
	CleanupSweepSchedule  = "@hourly"
	MaintenanceTimeout    = 2 * time.Minute
)

// Pairing audit rows are kept for this long
const PairingAuditRetention = 30 * 24 * time.Hour

// Trial sessions are expired once they are older than this
const TrialSessionMaxAge = 24 * time.Hour

// Code redemption attempts per user
const (
	RedeemAttemptLimit  = 5
	RedeemAttemptWindow = 10 * time.Minute
)

// Code redemption requests per client address
const (
	RedeemIPLimit  = 20
	RedeemIPWindow = 10 * time.Minute
)

// Per-session resource costs used for capacity estimates
const (
	SessionMemoryCost = 30 * 1024 * 1024
	SessionCPUCost    = 0.02
)

// Custom command scripts
const (
	ScriptInstructionBudget = 1_000_000
	ScriptTimeout           = 2 * time.Second
	CommandsReloadDebounce  = 250 * time.Millisecond
)

// Update orchestration
const (
	UpdateFetchAttempts = 3
	UpdateFetchBackoff  = 2 * time.Second
	UpdateStepTimeout   = 5 * time.Minute
)

// Stale session rows (disconnected or expired) are purged after this long
const StaleSessionRetention = 7 * 24 * time.Hour

// Version is overridden at build time with -ldflags "-X .../internal/config.Version=...".
var Version = "dev"
