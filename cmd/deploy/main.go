// deploy installs and manages the dashd daemon on a target device,
// typically a Raspberry Pi reachable over SSH.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rallykit/dashd/internal/deploy"
	"github.com/rallykit/dashd/internal/monitoring"
)

var (
	target  = flag.String("target", "", "Deploy target host (empty or localhost for local install)")
	sshUser = flag.String("user", "", "SSH user (defaults to ssh config)")
	sshKey  = flag.String("key", "", "SSH identity file (defaults to ssh config)")
	binPath = flag.String("bin", "./dashd", "Path to the built dashd binary")
	cfgPath = flag.String("config", "", "Optional local config file to install")
	dryRun  = flag.Bool("dry-run", false, "Print actions without executing them")
	verbose = flag.Bool("verbose", false, "Enable debug logging")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: deploy [flags] <command>

Commands:
  install    Install the binary, config and systemd unit, then start
  upgrade    Replace the binary and restart the service
  status     Show service status
  restart    Restart the service
  logs       Tail the service journal

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	monitoring.SetVerbose(*verbose)

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	host, user, key, agent, err := deploy.ResolveSSHTarget(*target, *sshUser, *sshKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deploy: %v\n", err)
		os.Exit(1)
	}
	exec := deploy.NewExecutor(host, user, key, agent, *dryRun)
	inst := newInstaller(exec, *binPath, *cfgPath)

	switch cmd := flag.Arg(0); cmd {
	case "install":
		err = inst.Install()
	case "upgrade":
		err = inst.Upgrade()
	case "status":
		err = inst.Status(os.Stdout)
	case "restart":
		err = inst.Restart()
	case "logs":
		err = inst.Logs(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "deploy: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "deploy: %v\n", err)
		os.Exit(1)
	}
}
