package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnits_ServerOnly(t *testing.T) {
	units, err := Units(Config{
		ExecPath:   "/usr/local/bin/formexport",
		ConfigPath: "/etc/formexport/config.yaml",
		User:       "odk",
		WorkingDir: "/var/lib/formexport",
	})
	require.NoError(t, err)
	require.Len(t, units, 1)

	server := units[serverUnit]
	assert.Contains(t, server, "ExecStart=/usr/local/bin/formexport serve --config /etc/formexport/config.yaml")
	assert.Contains(t, server, "User=odk")
	assert.Contains(t, server, "ReadWritePaths=/var/lib/formexport")
}

func TestUnits_ScheduledExport(t *testing.T) {
	units, err := Units(Config{
		ExecPath:   "/usr/local/bin/formexport",
		ConfigPath: "/etc/formexport/config.yaml",
		User:       "root",
		WorkingDir: "/var/lib/formexport",
		Schedule:   "daily",
		ExportArgs: []string{"--export-dir", "/srv/exports", "--overwrite"},
	})
	require.NoError(t, err)
	require.Len(t, units, 3)

	assert.Contains(t, units[exportUnit], "Type=oneshot")
	assert.Contains(t, units[exportUnit],
		"ExecStart=/usr/local/bin/formexport export --config /etc/formexport/config.yaml --export-dir /srv/exports --overwrite\n")
	assert.Contains(t, units[timerUnit], "OnCalendar=daily")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.ExecPath)
	assert.Equal(t, "/etc/formexport/config.yaml", cfg.ConfigPath)
	assert.Empty(t, cfg.Schedule)
}
