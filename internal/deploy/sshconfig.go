package deploy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SSHConfig holds the entries from ~/.ssh/config that matter for a
// deploy target.
type SSHConfig struct {
	Host          string
	HostName      string
	User          string
	IdentityFile  string
	IdentityAgent string
	Port          string
}

// ResolveSSHTarget merges command-line connection flags with the
// user's SSH config. Explicit flags win over config entries.
// Returns hostname, user, key path and identity agent.
func ResolveSSHTarget(target, user, keyPath string) (string, string, string, string, error) {
	host := target
	if strings.Contains(target, "@") {
		parts := strings.SplitN(target, "@", 2)
		if user == "" {
			user = parts[0]
		}
		host = parts[1]
	}

	cfg, err := LoadSSHConfig(host, "")
	if err != nil {
		return "", "", "", "", err
	}
	if cfg == nil {
		return host, user, keyPath, "", nil
	}

	if cfg.HostName != "" {
		host = cfg.HostName
	}
	if user == "" {
		user = cfg.User
	}
	if keyPath == "" {
		keyPath = cfg.IdentityFile
	}
	return host, user, keyPath, cfg.IdentityAgent, nil
}

// LoadSSHConfig parses the SSH config file for the given host. An
// empty configPath uses ~/.ssh/config. A missing file or host block
// returns nil without error.
func LoadSSHConfig(host, configPath string) (*SSHConfig, error) {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if configPath == "" {
		if home == "" {
			return nil, fmt.Errorf("cannot locate home directory for ssh config")
		}
		configPath = filepath.Join(home, ".ssh", "config")
	}

	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	return parseSSHConfig(host, f, home)
}

func parseSSHConfig(host string, r io.Reader, home string) (*SSHConfig, error) {
	cfg := &SSHConfig{Host: host}
	inBlock := false
	matched := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		keyword := strings.ToLower(fields[0])
		value := strings.Trim(strings.Join(fields[1:], " "), `"`)

		if keyword == "host" {
			if inBlock {
				// Left the matching block; first match wins.
				break
			}
			inBlock = matchHost(host, fields[1])
			matched = matched || inBlock
			continue
		}
		if !inBlock {
			continue
		}

		switch keyword {
		case "hostname":
			cfg.HostName = value
		case "user":
			cfg.User = value
		case "port":
			cfg.Port = value
		case "identityfile":
			cfg.IdentityFile = expandHome(value, home)
		case "identityagent":
			cfg.IdentityAgent = expandHome(value, home)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ssh config: %w", err)
	}

	if !matched {
		return nil, nil
	}
	return cfg, nil
}

// matchHost matches a target against an SSH config Host pattern,
// supporting a trailing wildcard (e.g. "pi-*").
func matchHost(target, pattern string) bool {
	if pattern == target || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(target, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") && home != "" {
		return filepath.Join(home, path[2:])
	}
	return path
}
