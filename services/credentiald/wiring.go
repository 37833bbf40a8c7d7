package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"sbtgate/native/credential"
	"sbtgate/services/credentiald/config"
	"sbtgate/settlement"
	"sbtgate/storage"
)

// openState opens the configured key-value backend. The returned closer
// releases it.
func openState(cfg config.Config) (*credential.KVState, io.Closer, error) {
	var db storage.Database
	switch cfg.StateBackend {
	case config.BackendMemory:
		db = storage.NewMemDB()
	case config.BackendLevelDB:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		ldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
		if err != nil {
			return nil, nil, fmt.Errorf("open leveldb: %w", err)
		}
		db = ldb
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		bdb, err := storage.NewBoltDB(filepath.Join(cfg.DataDir, "state.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt: %w", err)
		}
		db = bdb
	default:
		return nil, nil, fmt.Errorf("unsupported state backend %q", cfg.StateBackend)
	}
	return credential.NewKVState(db), closerFunc(db.Close), nil
}

// openSettlement builds the configured settlement collaborator.
func openSettlement(cfg config.SettlementConfig) (credential.Settlement, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return settlement.NewMemoryLedger(), nil
	case config.DriverSQLite, config.DriverPostgres:
		db, err := settlement.OpenDatabase(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open settlement database: %w", err)
		}
		return settlement.NewRegistry(db)
	default:
		return nil, fmt.Errorf("unsupported settlement driver %q", cfg.Driver)
	}
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
