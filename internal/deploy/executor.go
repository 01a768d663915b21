package deploy

import (
	"fmt"
	"strings"
	"time"

	"github.com/rallykit/dashd/internal/monitoring"
)

// Executor runs commands on the deployment target. A local target
// ("localhost", "127.0.0.1" or empty) executes directly; anything else
// goes through ssh/scp.
type Executor struct {
	Target        string
	SSHUser       string
	SSHKey        string
	IdentityAgent string
	DryRun        bool

	builder CommandBuilder
}

// NewExecutor creates an executor for the given target.
func NewExecutor(target, sshUser, sshKey, identityAgent string, dryRun bool) *Executor {
	return &Executor{
		Target:        target,
		SSHUser:       sshUser,
		SSHKey:        sshKey,
		IdentityAgent: identityAgent,
		DryRun:        dryRun,
		builder:       RealCommandBuilder{},
	}
}

// SetBuilder swaps the command builder, used by tests.
func (e *Executor) SetBuilder(b CommandBuilder) {
	if b != nil {
		e.builder = b
	}
}

// IsLocal reports whether the target is this machine.
func (e *Executor) IsLocal() bool {
	return e.Target == "localhost" || e.Target == "127.0.0.1" || e.Target == ""
}

// Run executes a shell command on the target.
func (e *Executor) Run(command string) (string, error) {
	if e.DryRun {
		return fmt.Sprintf("[dry-run] %s", command), nil
	}
	monitoring.Debugf("deploy: run %q on %s", command, e.describeTarget())

	var out []byte
	var err error
	if e.IsLocal() {
		out, err = e.builder.BuildShellCommand(command).Run()
	} else {
		out, err = e.builder.BuildCommand("ssh", e.sshArgs(command)...).Run()
	}
	return string(out), err
}

// RunSudo executes a command with sudo on the target.
func (e *Executor) RunSudo(command string) (string, error) {
	return e.Run("sudo " + command)
}

// CopyFile copies a local file onto the target. Remote copies stage
// through /tmp and move into place with sudo for system paths.
func (e *Executor) CopyFile(src, dst string) error {
	if e.DryRun {
		return nil
	}
	monitoring.Debugf("deploy: copy %s -> %s on %s", src, dst, e.describeTarget())

	if e.IsLocal() {
		cmd := fmt.Sprintf("cp %s %s", src, dst)
		if needsSudo(dst) {
			cmd = "sudo " + cmd
		}
		out, err := e.builder.BuildShellCommand(cmd).Run()
		if err != nil {
			return fmt.Errorf("copy failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	stage := fmt.Sprintf("/tmp/dashd-deploy-%d", time.Now().Unix())
	args := e.scpArgs(src, stage)
	if out, err := e.builder.BuildCommand("scp", args...).Run(); err != nil {
		return fmt.Errorf("scp failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	mv := fmt.Sprintf("mv %s %s", stage, dst)
	var err error
	if needsSudo(dst) {
		_, err = e.RunSudo(mv)
	} else {
		_, err = e.Run(mv)
	}
	return err
}

// WriteFile writes content to a path on the target.
func (e *Executor) WriteFile(path, content string) error {
	if e.DryRun {
		return nil
	}

	cmd := fmt.Sprintf("cat > %s", path)
	if needsSudo(path) {
		cmd = fmt.Sprintf("sudo tee %s > /dev/null", path)
	}

	var exec CommandExecutor
	if e.IsLocal() {
		exec = e.builder.BuildShellCommand(cmd)
	} else {
		exec = e.builder.BuildCommand("ssh", e.sshArgs(cmd)...)
	}
	exec.SetStdin([]byte(content))

	if out, err := exec.Run(); err != nil {
		return fmt.Errorf("write %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (e *Executor) sshArgs(command string) []string {
	args := e.connectionArgs()
	args = append(args, e.userAtTarget(), command)
	return args
}

func (e *Executor) scpArgs(src, dst string) []string {
	args := e.connectionArgs()
	args = append(args, src, fmt.Sprintf("%s:%s", e.userAtTarget(), dst))
	return args
}

func (e *Executor) connectionArgs() []string {
	var args []string
	if e.SSHKey != "" {
		args = append(args, "-i", e.SSHKey)
	}
	if e.IdentityAgent != "" {
		args = append(args, "-o", fmt.Sprintf("IdentityAgent=%s", e.IdentityAgent))
	}
	args = append(args, "-o", "BatchMode=yes", "-o", "LogLevel=ERROR")
	return args
}

func (e *Executor) userAtTarget() string {
	if e.SSHUser != "" && !strings.Contains(e.Target, "@") {
		return e.SSHUser + "@" + e.Target
	}
	return e.Target
}

func (e *Executor) describeTarget() string {
	if e.IsLocal() {
		return "localhost"
	}
	return e.userAtTarget()
}

// needsSudo reports whether writing dst requires elevated privileges.
func needsSudo(dst string) bool {
	return strings.HasPrefix(dst, "/usr") ||
		strings.HasPrefix(dst, "/etc") ||
		strings.HasPrefix(dst, "/opt") ||
		(strings.HasPrefix(dst, "/var") && !strings.HasPrefix(dst, "/var/folders"))
}
