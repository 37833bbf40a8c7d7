package main

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"sbtgate/native/credential"
	"sbtgate/services/credentiald/config"
)

func TestOpenStateBackends(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendLevelDB, config.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			state, closer, err := openState(config.Config{StateBackend: backend, DataDir: t.TempDir()})
			require.NoError(t, err)
			defer closer.Close()

			cs := credential.NewChangeset()
			cs.Reputation[credential.Identity{0x01}] = credential.ReputationRecord{Score: 12}
			require.NoError(t, state.Commit(cs))
			rec, found, err := state.Reputation(credential.Identity{0x01})
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, uint64(12), rec.Score)
		})
	}

	_, _, err := openState(config.Config{StateBackend: "rocksdb"})
	require.Error(t, err)
}

func TestOpenSettlementDrivers(t *testing.T) {
	mem, err := openSettlement(config.SettlementConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	held, err := mem.Holding(context.Background(), credential.Identity{0x01}, 1)
	require.NoError(t, err)
	require.False(t, held)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	registry, err := openSettlement(config.SettlementConfig{Driver: config.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	_, err = registry.Issue(context.Background(), credential.IssuanceIntent{ID: uuid.NewString(), Identity: credential.Identity{0x01}, CredentialID: 1})
	require.NoError(t, err)

	_, err = openSettlement(config.SettlementConfig{Driver: "mysql"})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("debug"))
	require.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	require.Equal(t, slog.LevelInfo, parseLevel(""))
	require.Equal(t, slog.LevelInfo, parseLevel("loud"))
}
