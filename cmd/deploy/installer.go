package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/rallykit/dashd/internal/deploy"
)

const (
	serviceName   = "dashd"
	installedBin  = "/usr/local/bin/dashd"
	installedCfg  = "/etc/dashd/config.toml"
	stateDir      = "/var/lib/dashd"
	unitPath      = "/etc/systemd/system/dashd.service"
	serviceUserID = "dashd"
)

// systemdUnit is the service definition installed on the target. The
// watchdog interval pairs with the daemon's sd_notify petting loop.
const systemdUnit = `[Unit]
Description=Vehicle telemetry and dashcam daemon
After=network.target

[Service]
Type=notify
ExecStart=` + installedBin + ` -config ` + installedCfg + `
Restart=always
RestartSec=5
WatchdogSec=60
User=` + serviceUserID + `
SupplementaryGroups=i2c gpio video audio
StateDirectory=dashd

[Install]
WantedBy=multi-user.target
`

// installer performs service lifecycle operations through an executor.
type installer struct {
	exec    *deploy.Executor
	binPath string
	cfgPath string
}

func newInstaller(exec *deploy.Executor, binPath, cfgPath string) *installer {
	return &installer{exec: exec, binPath: binPath, cfgPath: cfgPath}
}

// Install sets up the service from scratch: user, directories, binary,
// config, unit file, then enables and starts it.
func (i *installer) Install() error {
	steps := []struct {
		desc string
		run  func() error
	}{
		{"create service user", i.createUser},
		{"create directories", i.createDirs},
		{"install binary", i.installBinary},
		{"install config", i.installConfig},
		{"install systemd unit", i.installUnit},
		{"enable and start service", i.enableAndStart},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			return fmt.Errorf("%s: %w", s.desc, err)
		}
	}
	return nil
}

// Upgrade swaps the binary and restarts. Config and unit are left
// alone so local edits on the device survive.
func (i *installer) Upgrade() error {
	if _, err := i.exec.RunSudo("systemctl stop " + serviceName); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	if err := i.installBinary(); err != nil {
		return fmt.Errorf("install binary: %w", err)
	}
	if _, err := i.exec.RunSudo("systemctl start " + serviceName); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

// Status prints systemctl status output.
func (i *installer) Status(w io.Writer) error {
	out, err := i.exec.Run("systemctl status " + serviceName + " --no-pager")
	fmt.Fprint(w, out)
	// systemctl exits non-zero for inactive services; the output is
	// still the answer.
	if err != nil && strings.TrimSpace(out) != "" {
		return nil
	}
	return err
}

// Restart restarts the service.
func (i *installer) Restart() error {
	_, err := i.exec.RunSudo("systemctl restart " + serviceName)
	return err
}

// Logs prints the recent journal.
func (i *installer) Logs(w io.Writer) error {
	out, err := i.exec.Run("journalctl -u " + serviceName + " -n 100 --no-pager")
	fmt.Fprint(w, out)
	return err
}

func (i *installer) createUser() error {
	// Idempotent: useradd fails if the user exists, so guard on id.
	cmd := fmt.Sprintf("id -u %s >/dev/null 2>&1 || sudo useradd --system --home %s --shell /usr/sbin/nologin %s",
		serviceUserID, stateDir, serviceUserID)
	_, err := i.exec.Run(cmd)
	return err
}

func (i *installer) createDirs() error {
	for _, dir := range []string{stateDir, stateDir + "/buffer", stateDir + "/captures", "/etc/dashd"} {
		if _, err := i.exec.RunSudo("mkdir -p " + dir); err != nil {
			return err
		}
	}
	_, err := i.exec.RunSudo(fmt.Sprintf("chown -R %s:%s %s", serviceUserID, serviceUserID, stateDir))
	return err
}

func (i *installer) installBinary() error {
	if err := i.exec.CopyFile(i.binPath, installedBin); err != nil {
		return err
	}
	_, err := i.exec.RunSudo("chmod 755 " + installedBin)
	return err
}

func (i *installer) installConfig() error {
	if i.cfgPath == "" {
		return nil
	}
	return i.exec.CopyFile(i.cfgPath, installedCfg)
}

func (i *installer) installUnit() error {
	if err := i.exec.WriteFile(unitPath, systemdUnit); err != nil {
		return err
	}
	_, err := i.exec.RunSudo("systemctl daemon-reload")
	return err
}

func (i *installer) enableAndStart() error {
	if _, err := i.exec.RunSudo("systemctl enable " + serviceName); err != nil {
		return err
	}
	_, err := i.exec.RunSudo("systemctl restart " + serviceName)
	return err
}
