// Package config provides configuration management functionality.
//
// Configuration is bound from environment variables with an optional .env
// file. All string values are trimmed before binding. Database paths default
// to files under the data directory so a fresh checkout runs with zero
// configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string
	LogLevel string
	Port     int
	DevMode  bool

	// Data plane
	DataProviderPriority   []string // provider names, order = preference
	TushareToken           string
	TushareBaseURL         string
	AkshareBaseURL         string // AKTools HTTP bridge
	ProviderRPS            float64 // per-provider rate limit, requests/second
	ProviderTimeoutSeconds int

	// Per-store database paths
	AuditDBPath       string
	SnapshotDBPath    string
	LicenseDBPath     string
	EventDBPath       string
	ReplayDBPath      string
	AlertDBPath       string
	JobDBPath         string
	StrategyGovDBPath string
	AutotuneDBPath    string
	HoldingsDBPath    string
	MarketCacheDBPath string

	// Governance and compliance
	EnforceDataLicense      bool
	EnforceApprovedStrategy bool
	RequiredApprovalRoles   []string
	MinApprovalCount        int

	// Auth
	AuthEnabled    bool
	AuthHeaderName string
	AuthAPIKeys    map[string]string // key -> role

	// Scheduler
	SchedulerEnabled        bool
	SchedulerTickSeconds    int
	SchedulerTimezone       string
	SLAGraceMinutes         int
	SLARunningTimeoutMin    int
	SLALogCooldownSeconds   int
	SchedulerSyncAlerts     bool
	SchedulerAlertSyncLimit int

	// Alert dispatch
	AlertSMTPHost     string
	AlertSMTPPort     int
	AlertSMTPUser     string
	AlertSMTPPassword string
	AlertSMTPUseSSL   bool
	AlertEmailFrom    string
	AlertWebhookTimeoutSeconds int

	// Risk thresholds
	Risk RiskConfig

	// Small-capital mode
	SmallCapital SmallCapitalConfig
}

// RiskConfig holds the risk engine thresholds.
type RiskConfig struct {
	MaxSinglePosition      float64
	MaxDrawdown            float64
	MinTurnover20d         float64
	MaxIndustryExposure    float64
	MaxThemeExposure       float64
	MaxDailyLoss           float64
	MaxConsecutiveLosses   int
	VaRConfidence          float64
	MaxVaR                 float64
	MaxES                  float64
	FundamentalWarnScore   float64
	FundamentalCritScore   float64
	FundamentalMaxStale    int
	RequireFundamentalData bool
	DisclosureCritScore    float64
	DisclosureWarnScore    float64
	ForecastCritPct        float64
	ForecastWarnPct        float64
	PledgeCritRatio        float64
	PledgeWarnRatio        float64
}

// SmallCapitalConfig holds the small-principal tradability parameters.
type SmallCapitalConfig struct {
	Enabled          bool
	Principal        float64
	LotSize          int
	CashReserveRatio float64
	CostBps          float64
	MinEdgeFloorBps  float64
	MaxPositionRatio float64
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("QUANTGATE_DATA_DIR", "./data")
	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	cfg := &Config{
		DataDir:  absDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvInt("PORT", 8000),
		DevMode:  getEnvBool("DEV_MODE", false),

		DataProviderPriority: getEnvCSV("DATA_PROVIDER_PRIORITY", []string{"akshare", "tushare"}),
		TushareToken:           getEnv("TUSHARE_TOKEN", ""),
		TushareBaseURL:         getEnv("TUSHARE_BASE_URL", "https://api.tushare.pro"),
		AkshareBaseURL:         getEnv("AKSHARE_BASE_URL", "http://127.0.0.1:8080"),
		ProviderRPS:            getEnvFloat("DATA_PROVIDER_RPS", 8),
		ProviderTimeoutSeconds: getEnvInt("DATA_PROVIDER_TIMEOUT_SECONDS", 30),

		AuditDBPath:       getEnvPath("AUDIT_DB_PATH", absDir, "audit.db"),
		SnapshotDBPath:    getEnvPath("SNAPSHOT_DB_PATH", absDir, "snapshot.db"),
		LicenseDBPath:     getEnvPath("LICENSE_DB_PATH", absDir, "license.db"),
		EventDBPath:       getEnvPath("EVENT_DB_PATH", absDir, "event.db"),
		ReplayDBPath:      getEnvPath("REPLAY_DB_PATH", absDir, "replay.db"),
		AlertDBPath:       getEnvPath("ALERT_DB_PATH", absDir, "alert.db"),
		JobDBPath:         getEnvPath("JOB_DB_PATH", absDir, "job.db"),
		StrategyGovDBPath: getEnvPath("STRATEGY_GOV_DB_PATH", absDir, "strategy_gov.db"),
		AutotuneDBPath:    getEnvPath("AUTOTUNE_DB_PATH", absDir, "autotune.db"),
		HoldingsDBPath:    getEnvPath("HOLDINGS_DB_PATH", absDir, "holdings.db"),
		MarketCacheDBPath: getEnvPath("MARKET_CACHE_DB_PATH", absDir, "market_cache.db"),

		EnforceDataLicense:      getEnvBool("ENFORCE_DATA_LICENSE", false),
		EnforceApprovedStrategy: getEnvBool("ENFORCE_APPROVED_STRATEGY", false),
		RequiredApprovalRoles:   getEnvCSV("REQUIRED_APPROVAL_ROLES", []string{"risk", "audit"}),
		MinApprovalCount:        getEnvInt("MIN_APPROVAL_COUNT", 2),

		AuthEnabled:    getEnvBool("AUTH_ENABLED", false),
		AuthHeaderName: getEnv("AUTH_HEADER_NAME", "X-API-Key"),
		AuthAPIKeys:    parseAPIKeys(getEnv("AUTH_API_KEYS", "")),

		SchedulerEnabled:        getEnvBool("OPS_SCHEDULER_ENABLED", false),
		SchedulerTickSeconds:    getEnvInt("OPS_SCHEDULER_TICK_SECONDS", 30),
		SchedulerTimezone:       getEnv("OPS_SCHEDULER_TIMEZONE", "Asia/Shanghai"),
		SLAGraceMinutes:         getEnvInt("OPS_SLA_GRACE_MINUTES", 10),
		SLARunningTimeoutMin:    getEnvInt("OPS_SLA_RUNNING_TIMEOUT_MINUTES", 120),
		SLALogCooldownSeconds:   getEnvInt("OPS_SLA_LOG_COOLDOWN_SECONDS", 1800),
		SchedulerSyncAlerts:     getEnvBool("OPS_SCHEDULER_SYNC_ALERTS", true),
		SchedulerAlertSyncLimit: getEnvInt("OPS_SCHEDULER_ALERT_SYNC_LIMIT", 200),

		AlertSMTPHost:              getEnv("ALERT_SMTP_HOST", ""),
		AlertSMTPPort:              getEnvInt("ALERT_SMTP_PORT", 465),
		AlertSMTPUser:              getEnv("ALERT_SMTP_USER", ""),
		AlertSMTPPassword:          getEnv("ALERT_SMTP_PASSWORD", ""),
		AlertSMTPUseSSL:            getEnvBool("ALERT_SMTP_USE_SSL", true),
		AlertEmailFrom:             getEnv("ALERT_EMAIL_FROM", ""),
		AlertWebhookTimeoutSeconds: getEnvInt("ALERT_WEBHOOK_TIMEOUT_SECONDS", 10),

		Risk: RiskConfig{
			MaxSinglePosition:      getEnvFloat("RISK_MAX_SINGLE_POSITION", 0.2),
			MaxDrawdown:            getEnvFloat("RISK_MAX_DRAWDOWN", 0.2),
			MinTurnover20d:         getEnvFloat("RISK_MIN_TURNOVER_20D", 10_000_000),
			MaxIndustryExposure:    getEnvFloat("RISK_MAX_INDUSTRY_EXPOSURE", 0.35),
			MaxThemeExposure:       getEnvFloat("RISK_MAX_THEME_EXPOSURE", 0.45),
			MaxDailyLoss:           getEnvFloat("RISK_MAX_DAILY_LOSS", 0.03),
			MaxConsecutiveLosses:   getEnvInt("RISK_MAX_CONSECUTIVE_LOSSES", 5),
			VaRConfidence:          getEnvFloat("RISK_VAR_CONFIDENCE", 0.95),
			MaxVaR:                 getEnvFloat("RISK_MAX_VAR", 0.04),
			MaxES:                  getEnvFloat("RISK_MAX_ES", 0.06),
			FundamentalWarnScore:   getEnvFloat("RISK_FUNDAMENTAL_WARN_SCORE", 0.35),
			FundamentalCritScore:   getEnvFloat("RISK_FUNDAMENTAL_CRIT_SCORE", 0.2),
			FundamentalMaxStale:    getEnvInt("RISK_FUNDAMENTAL_MAX_STALE_DAYS", 540),
			RequireFundamentalData: getEnvBool("RISK_REQUIRE_FUNDAMENTAL_DATA", false),
			DisclosureCritScore:    getEnvFloat("RISK_DISCLOSURE_CRIT_SCORE", 0.8),
			DisclosureWarnScore:    getEnvFloat("RISK_DISCLOSURE_WARN_SCORE", 0.6),
			ForecastCritPct:        getEnvFloat("RISK_FORECAST_CRIT_PCT", -50),
			ForecastWarnPct:        getEnvFloat("RISK_FORECAST_WARN_PCT", -20),
			PledgeCritRatio:        getEnvFloat("RISK_PLEDGE_CRIT_RATIO", 0.5),
			PledgeWarnRatio:        getEnvFloat("RISK_PLEDGE_WARN_RATIO", 0.3),
		},

		SmallCapital: SmallCapitalConfig{
			Enabled:          getEnvBool("SMALL_CAPITAL_ENABLED", false),
			Principal:        getEnvFloat("SMALL_CAPITAL_PRINCIPAL", 20000),
			LotSize:          getEnvInt("SMALL_CAPITAL_LOT_SIZE", 100),
			CashReserveRatio: getEnvFloat("SMALL_CAPITAL_CASH_RESERVE_RATIO", 0.1),
			CostBps:          getEnvFloat("SMALL_CAPITAL_COST_BPS", 25),
			MinEdgeFloorBps:  getEnvFloat("SMALL_CAPITAL_MIN_EDGE_FLOOR_BPS", 10),
			MaxPositionRatio: getEnvFloat("SMALL_CAPITAL_MAX_POSITION_RATIO", 0.4),
		},
	}

	if cfg.SchedulerTickSeconds <= 0 {
		cfg.SchedulerTickSeconds = 30
	}
	if len(cfg.DataProviderPriority) == 0 {
		return nil, fmt.Errorf("DATA_PROVIDER_PRIORITY must name at least one provider")
	}

	return cfg, nil
}

// getEnv retrieves a trimmed environment variable with a fallback.
func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func getEnvCSV(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvPath(key, dir, file string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return filepath.Join(dir, file)
}

// parseAPIKeys parses the AUTH_API_KEYS CSV of key:role pairs.
func parseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		key := strings.TrimSpace(parts[0])
		role := "viewer"
		if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
			role = strings.TrimSpace(parts[1])
		}
		if key != "" {
			keys[key] = role
		}
	}
	return keys
}
