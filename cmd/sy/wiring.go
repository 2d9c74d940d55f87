package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/zulandar/switchyard/internal/audit"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/engine"
	"github.com/zulandar/switchyard/internal/flows"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/outbound"
	"github.com/zulandar/switchyard/internal/outbound/discord"
	"github.com/zulandar/switchyard/internal/outbound/slack"
	"github.com/zulandar/switchyard/internal/state"
	"github.com/zulandar/switchyard/internal/tenant"
)

// app is the fully wired engine and its collaborators.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	engine   *engine.Engine
	history  *audit.GormRecorder
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	closers  []func() error
}

// appOpts overrides collaborators that would otherwise be built from
// config.
type appOpts struct {
	sender outbound.Sender
	redis  redis.UniversalClient
}

// connectFromConfig loads the config, opens the database, migrates it and
// seeds the configured tenants.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, nil, err
	}
	if err := db.SeedTenants(gormDB, cfg.Tenants); err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// newLogger builds the process logger at the configured level.
func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "switchyard").Logger(), nil
}

// buildApp wires the engine from config. Flows are registered before it
// returns.
func buildApp(cfg *config.Config, gormDB *gorm.DB, log zerolog.Logger, opts appOpts) (*app, error) {
	if err := engine.ValidateSchedule(cfg.Engine.SweepSchedule); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	store, err := a.newStore(gormDB, opts.redis)
	if err != nil {
		return nil, err
	}
	sender := opts.sender
	if sender == nil {
		if sender, err = newSender(cfg.Outbound, log); err != nil {
			return nil, err
		}
	}
	history, err := audit.NewGormRecorder(audit.GormRecorderOpts{DB: gormDB})
	if err != nil {
		return nil, err
	}
	a.history = history
	directory, err := tenant.NewGormDirectory(gormDB)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Opts{
		Store:         store,
		Sender:        sender,
		Audit:         audit.Multi(history, audit.NewLogRecorder(log)),
		Tenants:       directory,
		Metrics:       a.metrics,
		Logger:        &log,
		PausedNotice:  cfg.Engine.PausedNotice,
		ExpiryHorizon: cfg.Engine.ExpiryHorizon(),
	})
	if err != nil {
		return nil, err
	}
	all, err := flows.All(flows.Opts{Sender: sender})
	if err != nil {
		return nil, err
	}
	for _, f := range all {
		if err := eng.RegisterFlow(f); err != nil {
			return nil, err
		}
	}
	a.engine = eng
	return a, nil
}

func (a *app) newStore(gormDB *gorm.DB, rdb redis.UniversalClient) (state.Store, error) {
	switch a.cfg.Store.Backend {
	case "redis":
		if rdb == nil {
			client := redis.NewClient(&redis.Options{
				Addr: a.cfg.Store.Redis.Addr,
				DB:   a.cfg.Store.Redis.DB,
			})
			a.closers = append(a.closers, client.Close)
			rdb = client
		}
		s, err := state.NewRedisStore(state.RedisStoreOpts{Client: rdb, Prefix: a.cfg.Store.Redis.Prefix})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := state.NewSQLStore(state.SQLStoreOpts{DB: gormDB})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func newSender(cfg config.OutboundConfig, log zerolog.Logger) (outbound.Sender, error) {
	switch cfg.Platform {
	case "slack":
		s, err := slack.New(slack.SenderOpts{BotToken: cfg.Slack.BotToken, Logger: &log})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "discord":
		s, err := discord.New(discord.SenderOpts{BotToken: cfg.Discord.BotToken, Logger: &log})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return outbound.NewLogSender(log), nil
	}
}

// close releases connections opened by buildApp.
func (a *app) close() {
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
}
