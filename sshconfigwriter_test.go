package vmoor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kevinburke/ssh_config"
)

func TestReplaceHostStanzaAddsAndReplaces(t *testing.T) {
	cfg := &ssh_config.Config{}
	replaceHostStanza(cfg, "demo", "127.0.0.1", 2222, "root")
	if len(cfg.Hosts) != 1 {
		t.Fatalf("got %d hosts, want 1", len(cfg.Hosts))
	}

	replaceHostStanza(cfg, "demo", "127.0.0.1", 3333, "root")
	if len(cfg.Hosts) != 1 {
		t.Fatalf("got %d hosts after replace, want still 1", len(cfg.Hosts))
	}

	var sawPort3333 bool
	for _, node := range cfg.Hosts[0].Nodes {
		if kv, ok := node.(*ssh_config.KV); ok && kv.Key == "Port" && kv.Value == "3333" {
			sawPort3333 = true
		}
	}
	if !sawPort3333 {
		t.Error("expected replaced stanza to carry the new port")
	}
}

func TestEnsureSSHConfigIncludesManagedCreatesFileWhenMissing(t *testing.T) {
	dir := t.TempDir()
	managedPath := filepath.Join(dir, "ssh_config")

	t.Setenv("HOME", dir)
	fsys := RealFileSystem{}
	if err := ensureSSHConfigIncludesManaged(managedPath, fsys); err != nil {
		t.Fatalf("ensureSSHConfigIncludesManaged: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".ssh", "config"))
	if err != nil {
		t.Fatalf("reading generated config: %v", err)
	}
	if !strings.Contains(string(data), "Include "+managedPath) {
		t.Errorf("got %q, want an Include line for %s", data, managedPath)
	}
}
