// Package di wires the application together. The Container is the single
// source of truth for service instances; Wire builds it from configuration
// and Close tears it down in reverse order.
package di

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/config"
	"github.com/redmargin/quantgate/internal/database"
	"github.com/redmargin/quantgate/internal/modules/alerts"
	"github.com/redmargin/quantgate/internal/modules/audit"
	"github.com/redmargin/quantgate/internal/modules/autotune"
	"github.com/redmargin/quantgate/internal/modules/events"
	"github.com/redmargin/quantgate/internal/modules/factors"
	"github.com/redmargin/quantgate/internal/modules/fundamentals"
	"github.com/redmargin/quantgate/internal/modules/governance"
	"github.com/redmargin/quantgate/internal/modules/holdings"
	"github.com/redmargin/quantgate/internal/modules/jobs"
	"github.com/redmargin/quantgate/internal/modules/license"
	"github.com/redmargin/quantgate/internal/modules/pit"
	"github.com/redmargin/quantgate/internal/modules/quality"
	"github.com/redmargin/quantgate/internal/modules/replay"
	"github.com/redmargin/quantgate/internal/modules/risk"
	"github.com/redmargin/quantgate/internal/modules/snapshots"
	"github.com/redmargin/quantgate/internal/pipeline"
	"github.com/redmargin/quantgate/internal/providers"
	"github.com/redmargin/quantgate/internal/scheduler"
	"github.com/redmargin/quantgate/internal/strategies"
)

// Container holds all application dependencies.
type Container struct {
	Cfg *config.Config
	Log zerolog.Logger

	// Databases, one SQLite file per store
	AuditDB       *database.DB
	SnapshotDB    *database.DB
	LicenseDB     *database.DB
	EventDB       *database.DB
	ReplayDB      *database.DB
	AlertDB       *database.DB
	JobDB         *database.DB
	StrategyGovDB *database.DB
	AutotuneDB    *database.DB
	HoldingsDB    *database.DB
	MarketCacheDB *database.DB

	// Data plane
	Composite *providers.Composite

	// Services
	Audit        *audit.Store
	Snapshots    *snapshots.Registry
	Licenses     *license.Service
	Quality      *quality.Service
	PIT          *pit.Validator
	Events       *events.Service
	Fundamentals *fundamentals.Service
	Factors      *factors.Engine
	Risk         *risk.Engine
	Governance   *governance.Service
	Autotune     *autotune.Service
	Replay       *replay.Store
	Holdings     *holdings.Store
	Alerts       *alerts.Service
	Jobs         *jobs.Service
	Registry     *strategies.Registry
	Pipeline     *pipeline.Daily
	Worker       *scheduler.Worker
}

// Wire constructs the full dependency graph. registered providers come from
// the caller so tests can inject fakes.
func Wire(cfg *config.Config, providerList []providers.Provider, log zerolog.Logger) (*Container, error) {
	c := &Container{Cfg: cfg, Log: log}

	var err error
	open := func(name, path string, profile database.Profile) *database.DB {
		if err != nil {
			return nil
		}
		var db *database.DB
		db, err = database.New(database.Config{Path: path, Profile: profile, Name: name})
		if err != nil {
			err = fmt.Errorf("failed to open %s store: %w", name, err)
		}
		return db
	}

	c.AuditDB = open("audit", cfg.AuditDBPath, database.ProfileLedger)
	c.SnapshotDB = open("snapshot", cfg.SnapshotDBPath, database.ProfileStandard)
	c.LicenseDB = open("license", cfg.LicenseDBPath, database.ProfileStandard)
	c.EventDB = open("event", cfg.EventDBPath, database.ProfileStandard)
	c.ReplayDB = open("replay", cfg.ReplayDBPath, database.ProfileStandard)
	c.AlertDB = open("alert", cfg.AlertDBPath, database.ProfileStandard)
	c.JobDB = open("job", cfg.JobDBPath, database.ProfileStandard)
	c.StrategyGovDB = open("strategy_gov", cfg.StrategyGovDBPath, database.ProfileLedger)
	c.AutotuneDB = open("autotune", cfg.AutotuneDBPath, database.ProfileStandard)
	c.HoldingsDB = open("holdings", cfg.HoldingsDBPath, database.ProfileStandard)
	c.MarketCacheDB = open("market_cache", cfg.MarketCacheDBPath, database.ProfileCache)
	if err != nil {
		c.Close()
		return nil, err
	}

	cache, err := providers.NewBarCache(c.MarketCacheDB.Conn(), log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Composite = providers.NewComposite(providerList, cache, cfg.ProviderRPS, log)

	if c.Audit, err = audit.NewStore(c.AuditDB.Conn(), log); err != nil {
		c.Close()
		return nil, err
	}
	if c.Snapshots, err = snapshots.NewRegistry(c.SnapshotDB.Conn(), log); err != nil {
		c.Close()
		return nil, err
	}
	if c.Licenses, err = license.NewService(c.LicenseDB.Conn(), log); err != nil {
		c.Close()
		return nil, err
	}

	c.Quality = quality.NewService(log)
	c.PIT = pit.NewValidator(log)

	eventStore, err := events.NewStore(c.EventDB.Conn(), log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Events = events.NewService(eventStore, c.PIT, log)
	c.Fundamentals = fundamentals.NewService(c.Composite, log)
	c.Factors = factors.NewEngine(log)
	c.Risk = risk.NewEngine(cfg.Risk)

	if c.Governance, err = governance.NewService(c.StrategyGovDB.Conn(), cfg.RequiredApprovalRoles, cfg.MinApprovalCount, log); err != nil {
		c.Close()
		return nil, err
	}
	if c.Autotune, err = autotune.NewService(c.AutotuneDB.Conn(), log); err != nil {
		c.Close()
		return nil, err
	}
	if c.Replay, err = replay.NewStore(c.ReplayDB.Conn(), log); err != nil {
		c.Close()
		return nil, err
	}
	if c.Holdings, err = holdings.NewStore(c.HoldingsDB.Conn(), log); err != nil {
		c.Close()
		return nil, err
	}

	alertStore, err := alerts.NewStore(c.AlertDB.Conn(), log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Alerts = alerts.NewService(alertStore, c.Audit, buildDispatchers(cfg, log), log)

	jobStore, err := jobs.NewStore(c.JobDB.Conn(), log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Jobs = jobs.NewService(jobStore, cfg.SchedulerTimezone, log)

	c.Registry = strategies.NewRegistry()

	c.Pipeline = pipeline.NewDaily(pipeline.Deps{
		Cfg:          cfg,
		Composite:    c.Composite,
		Licenses:     c.Licenses,
		Quality:      c.Quality,
		PIT:          c.PIT,
		Events:       c.Events,
		Fundamentals: c.Fundamentals,
		Snapshots:    c.Snapshots,
		Factors:      c.Factors,
		Autotune:     c.Autotune,
		Governance:   c.Governance,
		Registry:     c.Registry,
		Risk:         c.Risk,
		Holdings:     c.Holdings,
		Replay:       c.Replay,
		Audit:        c.Audit,
		Log:          log,
	})

	c.registerJobHandlers()

	c.Worker = scheduler.NewWorker(c.Jobs, c.Audit, c.Alerts, cfg, log)
	return c, nil
}

// buildDispatchers assembles the channel dispatcher map from configuration.
func buildDispatchers(cfg *config.Config, log zerolog.Logger) map[string]alerts.Dispatcher {
	webhook := alerts.NewWebhookDispatcher(time.Duration(cfg.AlertWebhookTimeoutSeconds)*time.Second, log)
	dispatchers := map[string]alerts.Dispatcher{
		alerts.ChannelIM:        webhook,
		alerts.ChannelDingtalk:  webhook,
		alerts.ChannelWecom:     webhook,
		alerts.ChannelPagerduty: webhook,
	}
	if cfg.AlertSMTPHost != "" {
		dispatchers[alerts.ChannelEmail] = alerts.NewEmailDispatcher(alerts.SMTPConfig{
			Host:     cfg.AlertSMTPHost,
			Port:     cfg.AlertSMTPPort,
			User:     cfg.AlertSMTPUser,
			Password: cfg.AlertSMTPPassword,
			UseSSL:   cfg.AlertSMTPUseSSL,
			From:     cfg.AlertEmailFrom,
		}, log)
	}
	return dispatchers
}

// registerJobHandlers binds the built-in job types.
func (c *Container) registerJobHandlers() {
	c.Jobs.RegisterHandler("audit_verify", func(def jobs.JobDefinition) (string, error) {
		result, err := c.Audit.VerifyChain(0)
		if err != nil {
			return "", err
		}
		if !result.Valid {
			return "", fmt.Errorf("audit chain broken at event %d", *result.BrokenID)
		}
		return fmt.Sprintf("verified %d events", result.Checked), nil
	})

	c.Jobs.RegisterHandler("alert_sync", func(def jobs.JobDefinition) (string, error) {
		result, err := c.Alerts.SyncFromAudit(c.Cfg.SchedulerAlertSyncLimit)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("scanned %d, created %d notifications", result.Scanned, result.Notifications), nil
	})

	c.Jobs.RegisterHandler("settle_holdings", func(def jobs.JobDefinition) (string, error) {
		if err := c.Holdings.SettleAvailable(); err != nil {
			return "", err
		}
		return "promoted bought quantity to available", nil
	})
}

// Stores returns the per-store database map for health checks.
func (c *Container) Stores() map[string]*database.DB {
	return map[string]*database.DB{
		"audit":        c.AuditDB,
		"snapshot":     c.SnapshotDB,
		"license":      c.LicenseDB,
		"event":        c.EventDB,
		"replay":       c.ReplayDB,
		"alert":        c.AlertDB,
		"job":          c.JobDB,
		"strategy_gov": c.StrategyGovDB,
		"autotune":     c.AutotuneDB,
		"holdings":     c.HoldingsDB,
		"market_cache": c.MarketCacheDB,
	}
}

// Close releases every open database.
func (c *Container) Close() {
	for _, db := range []*database.DB{
		c.MarketCacheDB, c.HoldingsDB, c.AutotuneDB, c.StrategyGovDB, c.JobDB,
		c.AlertDB, c.ReplayDB, c.EventDB, c.LicenseDB, c.SnapshotDB, c.AuditDB,
	} {
		if db != nil {
			_ = db.Close()
		}
	}
}
