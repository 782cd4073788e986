package vmoor

import (
	"path/filepath"
	"testing"
)

func TestHomeHonorsVMOORHome(t *testing.T) {
	t.Setenv("VMOOR_HOME", "/tmp/vmoor-explicit")
	home, err := Home()
	if err != nil {
		t.Fatalf("Home: %v", err)
	}
	if home != "/tmp/vmoor-explicit" {
		t.Errorf("Home() = %q, want /tmp/vmoor-explicit", home)
	}
}

func TestHomeHonorsXDGDataHome(t *testing.T) {
	t.Setenv("VMOOR_HOME", "")
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")
	home, err := Home()
	if err != nil {
		t.Fatalf("Home: %v", err)
	}
	want := filepath.Join("/tmp/xdg", "vmoor")
	if home != want {
		t.Errorf("Home() = %q, want %q", home, want)
	}
}

func TestContainerPaths(t *testing.T) {
	home := "/home/u/.containers"
	if got, want := ContainerConfigPath(home, "demo"), filepath.Join(home, "demo", "config.json"); got != want {
		t.Errorf("ContainerConfigPath = %q, want %q", got, want)
	}
	if got, want := ContainerDiskPath(home, "demo"), filepath.Join(home, "demo", "hdd.qcow2"); got != want {
		t.Errorf("ContainerDiskPath = %q, want %q", got, want)
	}
}

func TestFrozen(t *testing.T) {
	t.Setenv("VMOOR_FROZEN", "")
	if frozen() {
		t.Error("frozen() = true, want false without VMOOR_FROZEN")
	}
	t.Setenv("VMOOR_FROZEN", "1")
	if !frozen() {
		t.Error("frozen() = false, want true with VMOOR_FROZEN=1")
	}
}
