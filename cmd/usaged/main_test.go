package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/usagemeter"
	"github.com/ineyio/usagemeter/store/memory"
	"github.com/ineyio/usagemeter/store/sqlite"
	"github.com/ineyio/usagemeter/store/tee"
)

func TestOpenStore_DefaultsToMemory(t *testing.T) {
	s, closeFn, err := openStore(context.Background(), usagemeter.StoreConfig{})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &memory.Store{}, s)
}

func TestOpenStore_SQLiteWithMirror(t *testing.T) {
	cfg := usagemeter.StoreConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "usage.db"),
		Mirror: &usagemeter.StoreConfig{Driver: "memory"},
	}
	s, closeFn, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &tee.Store{}, s)

	single, closeSingle, err := openBackend(context.Background(), usagemeter.StoreConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer closeSingle()
	assert.IsType(t, &sqlite.Store{}, single)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, _, err := openStore(context.Background(), usagemeter.StoreConfig{Driver: "cassandra"})
	assert.Error(t, err)
}

func TestNewLogger_Levels(t *testing.T) {
	l := newLogger(usagemeter.LogConfig{Level: "warn", Format: "json"})
	assert.False(t, l.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, l.Enabled(context.Background(), slog.LevelError))
}
