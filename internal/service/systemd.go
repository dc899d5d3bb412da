// Package service installs formexport as systemd units: the API server and,
// optionally, a timer running scheduled exports.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

const (
	serverUnit = "formexport.service"
	exportUnit = "formexport-export.service"
	timerUnit  = "formexport-export.timer"
)

// UnitDir is where unit files are written.
var UnitDir = "/etc/systemd/system"

var (
	// ErrUnsupported indicates systemd is not available on this host.
	ErrUnsupported = errors.New("systemd units are only supported on Linux with systemctl")
	// ErrNotRoot indicates the caller lacks the privileges to manage units.
	ErrNotRoot = errors.New("root privileges required to manage systemd units")
)

// Status represents the status of the server unit.
type Status struct {
	IsRunning     bool   `json:"is_running"`
	IsEnabled     bool   `json:"is_enabled"`
	IsInstalled   bool   `json:"is_installed"`
	TimerEnabled  bool   `json:"timer_enabled"`
	ActiveState   string `json:"active_state"`
	SubState      string `json:"sub_state"`
	NextExportRun string `json:"next_export_run,omitempty"`
}

// Config holds the parameters of the generated units.
type Config struct {
	ExecPath   string
	ConfigPath string
	User       string
	WorkingDir string
	// Schedule is a systemd OnCalendar expression. Empty disables the export timer.
	Schedule string
	// ExportArgs are passed to the scheduled export command.
	ExportArgs []string
}

const serverTemplate = `[Unit]
Description=formexport API server
After=network.target

[Service]
Type=simple
User={{.User}}
Group={{.User}}
WorkingDirectory={{.WorkingDir}}
ExecStart={{.ExecPath}} serve --config {{.ConfigPath}}
Restart=always
RestartSec=5
StandardOutput=journal
StandardError=journal

# Security hardening
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths={{.WorkingDir}}
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`

const exportTemplate = `[Unit]
Description=formexport scheduled export
After=network.target

[Service]
Type=oneshot
User={{.User}}
Group={{.User}}
WorkingDirectory={{.WorkingDir}}
ExecStart={{.ExecPath}} export --config {{.ConfigPath}}{{range .ExportArgs}} {{.}}{{end}}
StandardOutput=journal
StandardError=journal
`

const timerTemplate = `[Unit]
Description=Run formexport export on a schedule

[Timer]
OnCalendar={{.Schedule}}
Persistent=true

[Install]
WantedBy=timers.target
`

// Units renders the unit files for cfg, keyed by file name.
func Units(cfg Config) (map[string]string, error) {
	units := map[string]string{serverUnit: serverTemplate}
	if cfg.Schedule != "" {
		units[exportUnit] = exportTemplate
		units[timerUnit] = timerTemplate
	}

	out := make(map[string]string, len(units))
	for name, text := range units {
		tmpl, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, cfg); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", name, err)
		}
		out[name] = buf.String()
	}
	return out, nil
}

// Available reports whether units can be managed on this host.
func Available() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	_, err := exec.LookPath("systemctl")
	return err == nil
}

func checkPrivileges() error {
	if !Available() {
		return ErrUnsupported
	}
	if os.Geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

// Install writes the units, then enables and starts them.
func Install(cfg Config) error {
	if err := checkPrivileges(); err != nil {
		return err
	}

	units, err := Units(cfg)
	if err != nil {
		return err
	}
	for name, content := range units {
		if err := os.WriteFile(filepath.Join(UnitDir, name), []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	if err := runSystemctl("daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	enable := []string{serverUnit}
	if cfg.Schedule != "" {
		enable = append(enable, timerUnit)
	}
	for _, unit := range enable {
		if err := runSystemctl("enable", "--now", unit); err != nil {
			return fmt.Errorf("failed to enable %s: %w", unit, err)
		}
	}
	return nil
}

// Uninstall stops and removes every formexport unit.
func Uninstall() error {
	if err := checkPrivileges(); err != nil {
		return err
	}

	for _, unit := range []string{timerUnit, exportUnit, serverUnit} {
		// Not running or not enabled is fine
		_ = runSystemctl("disable", "--now", unit)
		if err := os.Remove(filepath.Join(UnitDir, unit)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", unit, err)
		}
	}

	if err := runSystemctl("daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	return nil
}

// CurrentStatus returns the status of the installed units.
func CurrentStatus() (*Status, error) {
	status := &Status{}
	if !Available() {
		return status, nil
	}

	if _, err := os.Stat(filepath.Join(UnitDir, serverUnit)); err == nil {
		status.IsInstalled = true
	}
	if state, err := unitProperty(serverUnit, "ActiveState"); err == nil {
		status.ActiveState = state
		status.IsRunning = state == "active"
	}
	if sub, err := unitProperty(serverUnit, "SubState"); err == nil {
		status.SubState = sub
	}
	status.IsEnabled = isEnabled(serverUnit)
	status.TimerEnabled = isEnabled(timerUnit)
	if status.TimerEnabled {
		if next, err := unitProperty(timerUnit, "NextElapseUSecRealtime"); err == nil {
			status.NextExportRun = next
		}
	}
	return status, nil
}

// DefaultConfig returns the configuration used when no flags are given.
func DefaultConfig() Config {
	execPath, _ := os.Executable()
	execPath, _ = filepath.EvalSymlinks(execPath)

	return Config{
		ExecPath:   execPath,
		ConfigPath: "/etc/formexport/config.yaml",
		User:       "root",
		WorkingDir: "/var/lib/formexport",
	}
}

func isEnabled(unit string) bool {
	output, err := exec.Command("systemctl", "is-enabled", unit).Output()
	return err == nil && strings.TrimSpace(string(output)) == "enabled"
}

func runSystemctl(args ...string) error {
	output, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err, string(output))
	}
	return nil
}

func unitProperty(unit, property string) (string, error) {
	output, err := exec.Command("systemctl", "show", unit, "--property="+property, "--value").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
