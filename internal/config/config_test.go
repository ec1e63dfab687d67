package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, t.TempDir())
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "bloodrequests.created", cfg.NATS.RequestSubject)
	require.Equal(t, "alertservice", cfg.NATS.QueueGroup)
	require.Equal(t, 8, cfg.NATS.Workers)
	require.Equal(t, 64, cfg.Hub.SendQueueSize)
	require.Equal(t, 5*time.Second, cfg.Hub.WriteTimeout)
	require.Equal(t, int64(4096), cfg.Hub.ReadLimit)
	require.Zero(t, cfg.Hub.IdleTimeout)
	require.Equal(t, 32, cfg.Presence.Shards)
	require.Equal(t, "resend_all", cfg.Alerts.ReminderPolicy)
	require.Equal(t, 24*time.Hour, cfg.Alerts.LedgerTTL)
	require.False(t, cfg.Alerts.GeneralBroadcast)
	require.Equal(t, 200*time.Millisecond, cfg.Outbox.PollInterval)
	require.Empty(t, cfg.Postgres.DSN)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  addr: ":9090"
alerts:
  reminderPolicy: skip_alerted
  ledgerTTL: 1h
hub:
  writeTimeout: 2s
ratelimit:
  alertRPS: 0.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bloodlink.yaml"), []byte(yaml), 0o600))
	t.Setenv("BLOODLINK_SERVER_ADDR", ":7070")
	t.Setenv("BLOODLINK_ALERTS_GENERALBROADCAST", "true")

	cfg, err := Load(nil, dir)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Addr)
	require.Equal(t, "skip_alerted", cfg.Alerts.ReminderPolicy)
	require.Equal(t, time.Hour, cfg.Alerts.LedgerTTL)
	require.True(t, cfg.Alerts.GeneralBroadcast)
	require.Equal(t, 2*time.Second, cfg.Hub.WriteTimeout)
	require.InDelta(t, 0.5, cfg.RateLimit.AlertRPS, 1e-9)
}

func TestLoadRejectsUnknownReminderPolicy(t *testing.T) {
	t.Setenv("BLOODLINK_ALERTS_REMINDERPOLICY", "sometimes")
	_, err := Load(nil, t.TempDir())
	require.ErrorContains(t, err, "reminderPolicy")
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bloodlink.yaml"), []byte("server: [unclosed"), 0o600))
	_, err := Load(nil, dir)
	require.ErrorContains(t, err, "read config")
}
