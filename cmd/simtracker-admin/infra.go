package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kacperpap/air-pollution-tracker/internal/bootstrap"
	"github.com/kacperpap/air-pollution-tracker/internal/broker"
	"github.com/redis/go-redis/v9"
)

// infra holds the connections opened for one admin command.
type infra struct {
	DB     *sql.DB
	Redis  redis.UniversalClient
	Broker broker.Client

	stopBroker context.CancelFunc
}

type infraOptions struct {
	WantRedis  bool
	WantBroker bool
}

// connectInfra opens the database and, on request, Redis and the broker.
// Redis stays nil when it is not configured.
func connectInfra(cmdCtx *commandContext, opts infraOptions) (*infra, error) {
	cfg := cmdCtx.Config
	dbCfg := bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, RedisConfig: cfg.Redis, Logger: cmdCtx.Logger}

	db, err := bootstrap.ConnectDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	in := &infra{DB: db}

	if opts.WantRedis {
		in.Redis, err = bootstrap.ConnectRedis(dbCfg)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connect redis: %w", err), in.Close())
		}
	}

	if opts.WantBroker {
		ctx, cancel := context.WithCancel(cmdCtx.Ctx)
		in.stopBroker = cancel
		in.Broker, err = bootstrap.ConnectBroker(ctx, bootstrap.BrokerDeps{Config: cfg.Broker, Logger: cmdCtx.Logger})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("connect broker: %w", err), in.Close())
		}
	}
	return in, nil
}

// Close releases every opened connection.
func (in *infra) Close() error {
	if in == nil {
		return nil
	}
	var errs []error
	if in.Broker != nil {
		if err := in.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if in.stopBroker != nil {
		in.stopBroker()
	}
	if in.Redis != nil {
		if err := in.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if in.DB != nil {
		if err := in.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}

func closeInfra(cmdCtx *commandContext, in *infra) {
	if err := in.Close(); err != nil {
		cmdCtx.Logger.Warn("close connections failed", "error", err)
	}
}
