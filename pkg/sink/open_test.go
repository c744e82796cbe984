package sink

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"weibocrawler/pkg/config"
	"weibocrawler/pkg/logger"
)

func TestOpenBuildsConfiguredSinks(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sinks.WriteMode = []string{"csv", "json", "embedded-db", "webhook", "csv"}
	cfg.Sinks.SQLitePath = filepath.Join(t.TempDir(), "weibodata.db")
	cfg.Sinks.WebhookURL = "http://127.0.0.1:1/hook"

	opened, err := Open(context.Background(), cfg, newStore(t), logger.NewNopLogger())
	require.NoError(t, err)
	defer NewFanout(opened.Sinks, nil, nil).Close()

	names := make([]string, 0, len(opened.Sinks))
	for _, s := range opened.Sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"csv", "json", "sqlite", "post"}, names)
	assert.NotNil(t, opened.SQLite)
}

func TestOpenRejectsUnknownMode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sinks.WriteMode = []string{"csv", "excel"}

	_, err := Open(context.Background(), cfg, newStore(t), logger.NewNopLogger())

	assert.ErrorContains(t, err, "excel")
}

func TestOpenFailsOnBadPostgresDSN(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sinks.WriteMode = []string{"csv", "postgres"}
	cfg.Sinks.PostgresDSN = "postgres://%zz"

	_, err := Open(context.Background(), cfg, newStore(t), logger.NewNopLogger())

	assert.ErrorContains(t, err, "postgres sink")
}
