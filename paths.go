package vmoor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// frozen reports whether this binary is running from an installed, packaged
// bundle rather than a source checkout. There's no Go equivalent of
// sys.frozen, so this is keyed off an environment variable the installer
// sets when it lays down the bundle.
func frozen() bool {
	return os.Getenv("VMOOR_FROZEN") == "1"
}

// Home returns the per-user directory that holds every container's state,
// the daemon's socket/lock/info files, and the audit database. VMOOR_HOME,
// when set, is used as is; otherwise it honors XDG_DATA_HOME when set and
// falls back to $HOME/.containers, matching the original tool's on-disk
// layout.
func Home() (string, error) {
	if dir := os.Getenv("VMOOR_HOME"); dir != "" {
		return dir, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "vmoor"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(homeDir, ".containers"), nil
}

// EnsureHome creates Home() if it doesn't exist and returns its path.
func EnsureHome() (string, error) {
	dir, err := Home()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

// ContainerRoot returns the directory holding one container's on-disk state.
func ContainerRoot(home, name string) string {
	return filepath.Join(home, name)
}

// ContainerConfigPath returns the path of a container's config.json.
func ContainerConfigPath(home, name string) string {
	return filepath.Join(ContainerRoot(home, name), "config.json")
}

// ContainerDiskPath returns the path of a container's qcow2 disk image.
func ContainerDiskPath(home, name string) string {
	return filepath.Join(ContainerRoot(home, name), "hdd.qcow2")
}

// ContainerKernelPath returns the path of a non-legacy container's kernel.
func ContainerKernelPath(home, name string) string {
	return filepath.Join(ContainerRoot(home, name), "vmlinuz")
}

// ContainerInitrdPath returns the path of a non-legacy container's initrd.
func ContainerInitrdPath(home, name string) string {
	return filepath.Join(ContainerRoot(home, name), "initrd.img")
}

// ContainerBootLogPath returns the path of a container's boot transcript.
func ContainerBootLogPath(home, name string) string {
	return filepath.Join(ContainerRoot(home, name), "pexpect.log")
}

// ContainerPrivateKeyPath returns the path of a container's ssh private key.
func ContainerPrivateKeyPath(home, name string) string {
	return filepath.Join(ContainerRoot(home, name), "id_rsa")
}

// ContainerPublicKeyPath returns the path of a container's ssh public key.
func ContainerPublicKeyPath(home, name string) string {
	return filepath.Join(ContainerRoot(home, name), "id_rsa.pub")
}

// DaemonInfoPath returns the path of the daemon's discovery file.
func DaemonInfoPath(home string) string {
	return filepath.Join(home, "daemon.json")
}

// DaemonSocketPath returns the path of the daemon's listening unix socket.
func DaemonSocketPath(home string) string {
	return filepath.Join(home, "daemon.sock")
}

// DaemonLockPath returns the path of the daemon's singleton lock file.
func DaemonLockPath(home string) string {
	return filepath.Join(home, "daemon.lock")
}

// DaemonLogPath returns the path of the daemon's rotating log file.
func DaemonLogPath(home string) string {
	return filepath.Join(home, "daemon.log")
}

// AuditDBPath returns the path of the daemon's lifecycle audit database.
func AuditDBPath(home string) string {
	return filepath.Join(home, "audit.db")
}

// QEMUBinDir returns the directory expected to hold the qemu-system-*
// binaries for the current platform.
func QEMUBinDir() string {
	if runtime.GOOS == "windows" {
		return `C:\Program Files\qemu`
	}
	return "/usr/bin"
}

// QEMUBinary returns the path to the qemu-system binary for arch.
func QEMUBinary(arch string) string {
	name := "qemu-system-" + arch
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(QEMUBinDir(), name)
}
