package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStatus_Defaults(t *testing.T) {
	cfg, err := LoadStatus("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.REST.Addr)
	assert.Equal(t, 15*time.Second, cfg.REST.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.REST.IdleTimeout)
	assert.Equal(t, "morf-ledger.db", cfg.Server.LedgerPath)
}

func TestLoadStatus_File(t *testing.T) {
	path := writeConfig(t, "status.config", `[rest]
addr = :9000
read_timeout = 5s

[server]
ledger_path = /srv/morf/ledger.db
`)
	cfg, err := LoadStatus(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.REST.Addr)
	assert.Equal(t, 5*time.Second, cfg.REST.ReadTimeout)
	assert.Equal(t, "/srv/morf/ledger.db", cfg.Server.LedgerPath)
}
