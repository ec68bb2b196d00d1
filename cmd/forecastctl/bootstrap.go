package main

import (
	"fmt"
	"time"

	"github.com/tutu-network/forecast-core/internal/config"
	"github.com/tutu-network/forecast-core/internal/domain"
	"github.com/tutu-network/forecast-core/internal/forecast/feature"
	"github.com/tutu-network/forecast-core/internal/forecast/service"
	"github.com/tutu-network/forecast-core/internal/forecast/trainer"
	"github.com/tutu-network/forecast-core/internal/store/auditlog"
	"github.com/tutu-network/forecast-core/internal/store/badgerstore"
	"github.com/tutu-network/forecast-core/internal/store/fsmodelstore"
	"github.com/tutu-network/forecast-core/internal/store/sqlitestore"
)

// core bundles the wired-up collaborators one CLI invocation needs, plus
// the close function to release their file handles.
type core struct {
	cfg        config.Config
	obsStore   domain.ObservationStore
	modelStore domain.ModelStore
	fcStore    domain.ForecastStore
	audit      domain.AuditSink
	trainer    *trainer.Trainer
	service    *service.Service
	close      func() error
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

// bootstrap wires an ObservationStore (badger or sqlite, per config), the
// filesystem model store, and a sqlite forecast/audit-adjacent setup into a
// ready-to-use Trainer and Service, exactly the composition a hosting
// process performs at startup.
func bootstrap() (*core, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var obsStore domain.ObservationStore
	var closers []func() error

	if cfg.Stores.UseBadger {
		bs, err := badgerstore.Open(badgerstore.Options{DataDir: cfg.Stores.BadgerPath})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		obsStore = bs
		closers = append(closers, bs.Close)
	}

	sqliteDB, err := sqlitestore.Open(cfg.Stores.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	closers = append(closers, sqliteDB.Close)
	if obsStore == nil {
		obsStore = sqliteDB
	}

	modelStore := fsmodelstore.New(cfg.Stores.ModelDir)
	audit := auditlog.New(nil)
	features := feature.NewBuilder(time.Local)

	tr := trainer.New(cfg.Training, obsStore, modelStore, audit, features, nil)
	svc := service.New(cfg.Training, tr, sqliteDB, audit, features, nil)

	closeFn := func() error {
		var firstErr error
		for _, c := range closers {
			if err := c(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	return &core{
		cfg:        cfg,
		obsStore:   obsStore,
		modelStore: modelStore,
		fcStore:    sqliteDB,
		audit:      audit,
		trainer:    tr,
		service:    svc,
		close:      closeFn,
	}, nil
}
