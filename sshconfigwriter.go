package vmoor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kevinburke/ssh_config"
)

// SyncSSHConfig writes (or replaces) a `Host <name>` stanza in the
// daemon-managed ssh_config file under home, and makes sure the user's
// own ~/.ssh/config includes it. Best-effort: any failure here is a
// warning in the caller, never a request failure.
func SyncSSHConfig(name, host string, port int, username string) error {
	home, err := EnsureHome()
	if err != nil {
		return err
	}
	managedPath := filepath.Join(home, "ssh_config")

	cfg, err := loadOrEmptySSHConfig(managedPath)
	if err != nil {
		return fmt.Errorf("loading managed ssh config: %w", err)
	}

	replaceHostStanza(cfg, name, host, port, username)

	cfgBytes, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("marshaling ssh config: %w", err)
	}
	fsys := RealFileSystem{}
	if err := fsys.SafeWriteFile(managedPath, cfgBytes, 0o644); err != nil {
		return fmt.Errorf("writing managed ssh config: %w", err)
	}

	return ensureSSHConfigIncludesManaged(managedPath, fsys)
}

func loadOrEmptySSHConfig(path string) (*ssh_config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ssh_config.Config{}, nil
		}
		return nil, err
	}
	return ssh_config.Decode(bytes.NewReader(data))
}

// replaceHostStanza drops any existing Host block for name and appends a
// fresh one with the current connection details.
func replaceHostStanza(cfg *ssh_config.Config, name, host string, port int, username string) {
	kept := cfg.Hosts[:0]
	for _, h := range cfg.Hosts {
		if len(h.Patterns) == 1 && h.Patterns[0].String() == name {
			continue
		}
		kept = append(kept, h)
	}
	cfg.Hosts = kept

	pattern, err := ssh_config.NewPattern(name)
	if err != nil {
		return
	}
	cfg.Hosts = append(cfg.Hosts, &ssh_config.Host{
		Patterns: []*ssh_config.Pattern{pattern},
		Nodes: []ssh_config.Node{
			&ssh_config.KV{Key: "HostName", Value: host},
			&ssh_config.KV{Key: "Port", Value: strconv.Itoa(port)},
			&ssh_config.KV{Key: "User", Value: username},
			&ssh_config.KV{Key: "StrictHostKeyChecking", Value: "no"},
			&ssh_config.KV{Key: "UserKnownHostsFile", Value: "/dev/null"},
		},
	})
}

// ensureSSHConfigIncludesManaged verifies ~/.ssh/config has an Include
// line for the daemon-managed ssh_config, prepending one if absent.
func ensureSSHConfigIncludesManaged(managedPath string, fsys FileSystem) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	sshDir := filepath.Join(homeDir, ".ssh")
	defaultPath := filepath.Join(sshDir, "config")
	includeLine := "Include " + managedPath

	existing, err := fsys.ReadFile(defaultPath)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(sshDir, 0o700); err != nil {
				return fmt.Errorf("creating %s: %w", sshDir, err)
			}
			return fsys.SafeWriteFile(defaultPath, []byte(includeLine+"\n"), 0o644)
		}
		return err
	}

	if bytes.Contains(existing, []byte(includeLine)) {
		return nil
	}

	updated := append([]byte(includeLine+"\n"), existing...)
	return fsys.SafeWriteFile(defaultPath, updated, 0o644)
}
