package cli

import (
	"database/sql"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/imagehive/orchestrator/pkg/cleanup"
	"github.com/imagehive/orchestrator/pkg/config"
	"github.com/imagehive/orchestrator/pkg/objectstore"
	"github.com/imagehive/orchestrator/pkg/repository/postgres"
)

// loadConfig loads a .env file in the working directory if present,
// then the process environment (pkg/config.DotEnvLoader's idiom: a
// missing .env file is not an error).
func loadConfig() (*config.Config, error) {
	return config.LoadFromCurrentDir()
}

// newLogger builds a logr.Logger backed by zap, the same backend the
// daemon uses, honoring the --log-format/--log-level CLI flags when they
// are given and the config's LogFormat/LogLevel otherwise.
func newLogger(cfg *config.Config) (logr.Logger, error) {
	format, levelName := cfg.LogFormat, cfg.LogLevel
	if f := rootCmd.PersistentFlags().Lookup("log-format"); f != nil && f.Changed {
		format = f.Value.String()
	}
	if f := rootCmd.PersistentFlags().Lookup("log-level"); f != nil && f.Changed {
		levelName = f.Value.String()
	}

	var zc zap.Config
	if format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(levelName)
	if err != nil {
		return logr.Logger{}, fmt.Errorf("cli: parse log level: %w", err)
	}
	zc.Level = level

	zl, err := zc.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("cli: build logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

// openStore opens the Postgres connection pool and the object store the
// daemon would use, for a one-shot CLI invocation.
func openStore(cfg *config.Config) (*sql.DB, *postgres.Store, objectstore.Store, error) {
	db, err := postgres.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	store := postgres.New(db)

	obj, err := objectstore.NewLocal(cfg.ObjectStoreRoot)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return db, store, obj, nil
}

// newCleanupEngine wires the cleanup engine exactly the way
// orchestratord does, for the cleanup subcommand's manual trigger.
func newCleanupEngine(store *postgres.Store, obj objectstore.Store, cfg *config.Config, log logr.Logger) *cleanup.Engine {
	return cleanup.New(store.Jobs(), obj, cfg.Resource, log)
}
